package dsc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// offset of the cacheSubType header field; headers that extend past it use
// the dyld_subcache_entry layout with a file suffix.
const cacheSubTypeFieldOffset = 0x1C8

// subCache holds one backing file's header and mappings.
type subCache struct {
	path     string
	header   CacheHeader
	mappings []*CacheMapping
}

// A File represents an open dyld shared cache: the main file plus however
// many sub-cache files the header references, all presented as one VM
// address space.
type File struct {
	CacheHeader
	ByteOrder binary.ByteOrder

	UUID        types.UUID   // main cache file
	SubCacheIDs []types.UUID // in header order
	SymbolsUUID types.UUID   // .symbols file, zero if none

	Images []*CacheImage

	LocalSymInfo CacheLocalSymbolsInfo

	caches  map[types.UUID]*subCache
	r       map[types.UUID]io.ReaderAt
	closers []io.Closer
}

// Open opens the named shared cache file, discovering and opening any
// sub-cache files (path.01, path.dylddata, path.symbols, ...) the header
// references. The caller must Close the returned File on every exit path.
func Open(name string) (*File, error) {
	f := &File{
		ByteOrder: binary.LittleEndian,
		caches:    make(map[types.UUID]*subCache),
		r:         make(map[types.UUID]io.ReaderAt),
	}

	if err := f.openCache(name, true); err != nil {
		f.Close()
		return nil, err
	}

	if f.HasSubCaches() {
		if err := f.openSubCaches(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.parseImages(); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.ParseSlideInfo(); err != nil {
		f.Close()
		return nil, err
	}

	if f.localSymbolsOffset() != 0 {
		if err := f.parseLocalSymbolsInfo(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

// Close closes every backing file.
func (f *File) Close() error {
	var err error
	for _, c := range f.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	f.closers = nil
	return err
}

func (f *File) openCache(path string, main bool) error {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
			return errors.Wrapf(ErrTooManyOpenFiles, "failed to open %s", path)
		}
		return errors.Wrapf(err, "failed to open cache file %s", path)
	}
	f.closers = append(f.closers, fh)

	hdr, err := readCacheHeader(fh)
	if err != nil {
		return err
	}

	sc := &subCache{path: path, header: *hdr}
	if err := readMappings(fh, hdr, f.ByteOrder, sc); err != nil {
		return err
	}

	f.caches[hdr.UUID] = sc
	f.r[hdr.UUID] = fh

	if main {
		f.CacheHeader = *hdr
		f.UUID = hdr.UUID
	}

	return nil
}

// readCacheHeader reads and validates a dyld_cache_header. Older caches have
// shorter headers; the missing tail fields are left zero.
func readCacheHeader(r io.ReaderAt) (*CacheHeader, error) {
	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, errors.Wrap(err, "failed to read cache magic")
	}
	var known bool
	for _, m := range knownMagic {
		if strings.HasPrefix(string(ident[:]), m) {
			known = true
			break
		}
	}
	if !known {
		return nil, formatError(0, "invalid dyld shared cache magic", strings.Trim(string(ident[:]), "\x00"))
	}

	var hdr CacheHeader
	hdrSize := binary.Size(hdr)

	var mappingOffset uint32
	mo := make([]byte, 4)
	if _, err := r.ReadAt(mo, 16); err != nil {
		return nil, err
	}
	mappingOffset = binary.LittleEndian.Uint32(mo)

	// the header only extends to the first mapping record
	n := hdrSize
	if int(mappingOffset) < hdrSize {
		n = int(mappingOffset)
	}
	buf := make([]byte, hdrSize)
	if _, err := r.ReadAt(buf[:n], 0); err != nil {
		return nil, errors.Wrap(err, "failed to read cache header")
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	return &hdr, nil
}

func readMappings(r io.ReaderAt, hdr *CacheHeader, bo binary.ByteOrder, sc *subCache) error {
	sr := io.NewSectionReader(r, 0, 1<<63-1)

	if hdr.MappingWithSlideCount > 0 {
		if _, err := sr.Seek(int64(hdr.MappingWithSlideOffset), io.SeekStart); err != nil {
			return err
		}
		for i := uint32(0); i != hdr.MappingWithSlideCount; i++ {
			var info CacheMappingAndSlideInfo
			if err := binary.Read(sr, bo, &info); err != nil {
				return err
			}
			sc.mappings = append(sc.mappings, newMapping(info))
		}
		return nil
	}

	// pre slide-info-v2 caches only have plain mapping records
	if _, err := sr.Seek(int64(hdr.MappingOffset), io.SeekStart); err != nil {
		return err
	}
	for i := uint32(0); i != hdr.MappingCount; i++ {
		var info CacheMappingInfo
		if err := binary.Read(sr, bo, &info); err != nil {
			return err
		}
		m := CacheMappingAndSlideInfo{
			Address:    info.Address,
			Size:       info.Size,
			FileOffset: info.FileOffset,
			MaxProt:    info.MaxProt,
			InitProt:   info.InitProt,
		}
		if i == 1 && hdr.SlideInfoOffsetUnused > 0 { // legacy caches slide the (single) DATA mapping
			m.SlideInfoOffset = hdr.SlideInfoOffsetUnused
			m.SlideInfoSize = hdr.SlideInfoSizeUnused
		}
		sc.mappings = append(sc.mappings, newMapping(m))
	}
	return nil
}

func newMapping(info CacheMappingAndSlideInfo) *CacheMapping {
	m := &CacheMapping{CacheMappingAndSlideInfo: info}
	switch {
	case info.InitProt.Execute():
		m.Name = "__TEXT"
	case info.InitProt.Write():
		m.Name = "__DATA"
	case info.InitProt.Read():
		m.Name = "__LINKEDIT"
	}
	if info.Flags.IsAuthData() {
		m.Name = "__AUTH"
	}
	if info.Flags.IsTextStubs() {
		m.Name = "__TEXT_STUBS"
	}
	return m
}

// openSubCaches reads the header's sub-cache entry table and opens each
// referenced file, verifying its UUID matches the table.
func (f *File) openSubCaches(mainPath string) error {
	sr := io.NewSectionReader(f.r[f.UUID], int64(f.SubCacheArrayOffset), 1<<63-1)

	type entry struct {
		uuid   types.UUID
		suffix string
	}
	var subs []entry

	if f.MappingOffset > cacheSubTypeFieldOffset {
		for i := uint32(0); i != f.SubCacheArrayCount; i++ {
			var e SubCacheEntry
			if err := binary.Read(sr, f.ByteOrder, &e); err != nil {
				return err
			}
			subs = append(subs, entry{uuid: e.UUID, suffix: e.Suffix()})
		}
	} else {
		for i := uint32(0); i != f.SubCacheArrayCount; i++ {
			var e SubCacheEntryV1
			if err := binary.Read(sr, f.ByteOrder, &e); err != nil {
				return err
			}
			subs = append(subs, entry{uuid: e.UUID, suffix: fmt.Sprintf(".%d", i+1)})
		}
	}

	for _, sub := range subs {
		path := mainPath + sub.suffix
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "missing sub-cache file %s", path)
		}
		if err := f.openCache(path, false); err != nil {
			return err
		}
		if _, ok := f.caches[sub.uuid]; !ok {
			return formatError(0, "sub-cache UUID does not match header entry for", filepath.Base(path))
		}
		f.SubCacheIDs = append(f.SubCacheIDs, sub.uuid)
		log.Debugf("opened sub-cache %s (%s)", filepath.Base(path), sub.uuid)
	}

	if f.HasSymbolsFile() {
		path := mainPath + ".symbols"
		if _, err := os.Stat(path); err != nil {
			return errors.Wrapf(err, "missing symbols sub-cache file %s", path)
		}
		if err := f.openCache(path, false); err != nil {
			return err
		}
		if _, ok := f.caches[f.SymbolFileUUID]; !ok {
			return formatError(0, "symbols file UUID does not match header", f.SymbolFileUUID)
		}
		f.SymbolsUUID = f.SymbolFileUUID
	}

	return nil
}

// parseImages reads the image info table (in on-disk order) and resolves
// each image's path string.
func (f *File) parseImages() error {
	sr := io.NewSectionReader(f.r[f.UUID], 0, 1<<63-1)

	if _, err := sr.Seek(int64(f.ImagesTableOffset()), io.SeekStart); err != nil {
		return err
	}
	for i := uint32(0); i != f.ImagesTableCount(); i++ {
		var info CacheImageInfo
		if err := binary.Read(sr, f.ByteOrder, &info); err != nil {
			return err
		}
		f.Images = append(f.Images, &CacheImage{
			Index: i,
			Info:  info,
			cache: f,
		})
	}

	for _, image := range f.Images {
		if _, err := sr.Seek(int64(image.Info.PathFileOffset), io.SeekStart); err != nil {
			return err
		}
		name, err := bufio.NewReader(sr).ReadString('\x00')
		if err != nil {
			return errors.Wrapf(err, "failed to read image path at %#x", image.Info.PathFileOffset)
		}
		image.Name = strings.Trim(name, "\x00")
	}

	// text info is keyed by the same index when present
	if f.ImagesTextCount > 0 {
		if _, err := sr.Seek(int64(f.ImagesTextOffset), io.SeekStart); err != nil {
			return err
		}
		for i := uint64(0); i != f.ImagesTextCount && i < uint64(len(f.Images)); i++ {
			if err := binary.Read(sr, f.ByteOrder, &f.Images[i].CacheImageTextInfo); err != nil {
				return err
			}
		}
	}

	return nil
}

// GetOffset resolves an unslid VM address to the backing file that maps it
// and the file offset of its first byte.
func (f *File) GetOffset(address uint64) (types.UUID, uint64, error) {
	for uuid, cache := range f.caches {
		for _, mapping := range cache.mappings {
			if mapping.Contains(address) {
				return uuid, (address - mapping.Address) + mapping.FileOffset, nil
			}
		}
	}
	return types.UUID{}, 0, unmapped(address)
}

// GetVMAddress is the inverse of GetOffset for a given backing file.
func (f *File) GetVMAddress(uuid types.UUID, offset uint64) (uint64, error) {
	cache, ok := f.caches[uuid]
	if !ok {
		return 0, fmt.Errorf("no opened cache file has UUID %s", uuid)
	}
	for _, mapping := range cache.mappings {
		if mapping.FileOffset <= offset && offset < mapping.FileOffset+mapping.Size {
			return (offset - mapping.FileOffset) + mapping.Address, nil
		}
	}
	return 0, fmt.Errorf("offset %#x not within any mapping of %s", offset, filepath.Base(cache.path))
}

// GetMappingForAddress returns the mapping containing an unslid VM address.
func (f *File) GetMappingForAddress(address uint64) (types.UUID, *CacheMapping, error) {
	for uuid, cache := range f.caches {
		for _, mapping := range cache.mappings {
			if mapping.Contains(address) {
				return uuid, mapping, nil
			}
		}
	}
	return types.UUID{}, nil, unmapped(address)
}

// Mappings returns every mapping of a given backing file.
func (f *File) Mappings(uuid types.UUID) []*CacheMapping {
	if cache, ok := f.caches[uuid]; ok {
		return cache.mappings
	}
	return nil
}

// AllMappings returns every mapping of every backing file, VM-address sorted.
func (f *File) AllMappings() []*CacheMapping {
	var out []*CacheMapping
	for _, cache := range f.caches {
		out = append(out, cache.mappings...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CachePath returns the file path backing a given UUID.
func (f *File) CachePath(uuid types.UUID) string {
	if cache, ok := f.caches[uuid]; ok {
		return cache.path
	}
	return ""
}

// ReadAt reads from a specific backing file.
func (f *File) ReadAt(uuid types.UUID, p []byte, off int64) (int, error) {
	r, ok := f.r[uuid]
	if !ok {
		return 0, fmt.Errorf("no opened cache file has UUID %s", uuid)
	}
	return r.ReadAt(p, off)
}

// ReadAtAddr reads len(p) bytes at an unslid VM address.
func (f *File) ReadAtAddr(p []byte, address uint64) (int, error) {
	uuid, off, err := f.GetOffset(address)
	if err != nil {
		return 0, err
	}
	return f.r[uuid].ReadAt(p, int64(off))
}

// GetCString reads a NUL terminated string at an unslid VM address.
func (f *File) GetCString(address uint64) (string, error) {
	uuid, off, err := f.GetOffset(address)
	if err != nil {
		return "", err
	}
	sr := io.NewSectionReader(f.r[uuid], int64(off), 1<<63-1)
	s, err := bufio.NewReader(sr).ReadString('\x00')
	if err != nil {
		return "", errors.Wrapf(err, "failed to read string at %#x", address)
	}
	return strings.Trim(s, "\x00"), nil
}

// Image returns the first image whose path (or basename) matches name, or
// ErrImageNotFound.
func (f *File) Image(name string) (*CacheImage, error) {
	for _, i := range f.Images {
		if strings.EqualFold(i.Name, name) {
			return i, nil
		}
	}
	for _, i := range f.Images {
		if strings.EqualFold(filepath.Base(i.Name), name) {
			return i, nil
		}
	}
	return nil, errors.Wrap(ErrImageNotFound, name)
}

// FilterImages returns every image whose path contains the substring.
func (f *File) FilterImages(substr string) []*CacheImage {
	var out []*CacheImage
	for _, i := range f.Images {
		if strings.Contains(strings.ToLower(i.Name), strings.ToLower(substr)) {
			out = append(out, i)
		}
	}
	return out
}

// ImageAt returns the image whose base address is the nearest at-or-below
// the given address. Image table order is NOT address order, so the lookup
// sorts a private copy.
func (f *File) ImageAt(address uint64) (*CacheImage, error) {
	sorted := make([]*CacheImage, len(f.Images))
	copy(sorted, f.Images)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Info.Address < sorted[j].Info.Address
	})

	idx := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].Info.Address > address
	})
	if idx == 0 {
		return nil, errors.Wrapf(ErrBeforeFirstImage, "address %#x", address)
	}
	return sorted[idx-1], nil
}

func (f *File) parseLocalSymbolsInfo() error {
	uuid := f.UUID
	if f.SymbolsUUID != (types.UUID{}) {
		uuid = f.SymbolsUUID
	}

	sr := io.NewSectionReader(f.r[uuid], int64(f.localSymbolsOffset()), 1<<63-1)
	if err := binary.Read(sr, f.ByteOrder, &f.LocalSymInfo); err != nil {
		return err
	}
	return nil
}

// localSymbolsOffset returns the locals region offset within whichever file
// holds it: the .symbols sub-cache when present, the main file otherwise.
func (f *File) localSymbolsOffset() uint64 {
	if f.SymbolsUUID != (types.UUID{}) {
		return f.caches[f.SymbolsUUID].header.LocalSymbolsOffset
	}
	return f.LocalSymbolsOffset
}

// Is64bit returns if the cache's pointers are 8 bytes wide.
func (f *File) Is64bit() bool {
	return strings.Contains(string(f.Magic[:]), "64")
}
