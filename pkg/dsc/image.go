package dsc

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// CacheImage represents one dylib baked into the cache.
type CacheImage struct {
	Name  string
	Index uint32
	Info  CacheImageInfo
	CacheImageTextInfo

	LocalSymbols []*CacheLocalSymbol64

	cache *File
	pm    *macho.File
}

// Base returns the image's unslid load address.
func (i *CacheImage) Base() uint64 {
	if i.LoadAddress != 0 {
		return i.LoadAddress
	}
	return i.Info.Address
}

// BaseName returns the dylib's file name without its install path.
func (i *CacheImage) BaseName() string {
	return filepath.Base(i.Name)
}

// Cache returns the file the image was loaded from.
func (i *CacheImage) Cache() *File {
	return i.cache
}

// GetPartialMacho parses the image's load commands only (fast). The header
// and load commands always live in the same backing file as __TEXT; reads
// that chase pointers into other mappings go through the cache reader.
func (i *CacheImage) GetPartialMacho() (*macho.File, error) {
	if i.pm != nil {
		return i.pm, nil
	}
	uuid, off, err := i.cache.GetOffset(i.Base())
	if err != nil {
		return nil, err
	}
	size := int64(i.TextSegmentSize)
	if size == 0 {
		size = 1<<63 - 1
	}
	m, err := macho.NewFile(io.NewSectionReader(i.cache.r[uuid], int64(off), size), macho.FileConfig{
		LoadIncluding: []types.LoadCmd{
			types.LC_SEGMENT_64,
			types.LC_DYLD_INFO,
			types.LC_DYLD_INFO_ONLY,
			types.LC_ID_DYLIB,
			types.LC_UUID,
			types.LC_BUILD_VERSION,
			types.LC_SOURCE_VERSION,
			types.LC_SYMTAB,
			types.LC_DYSYMTAB,
			types.LC_DYLD_EXPORTS_TRIE,
			types.LC_REEXPORT_DYLIB,
			types.LC_LOAD_DYLIB,
			types.LC_LOAD_WEAK_DYLIB,
			types.LC_LOAD_UPWARD_DYLIB},
		Offset:          int64(off),
		SectionReader:   i.cache.newReader(uuid),
		CacheReader:     i.cache.newReader(uuid),
		VMAddrConverter: i.cache.vmAddrConverter(uuid),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse load commands of %s", i.BaseName())
	}
	i.pm = m
	return m, nil
}

// cacheReader presents one backing file of the cache as the reader go-macho
// needs while parsing in-cache images. Address based calls resolve through
// the whole multi-file address space, so pointers into split __DATA or
// __AUTH files are still reachable.
type cacheReader struct {
	f    *File
	uuid types.UUID
	off  int64
}

func (f *File) newReader(uuid types.UUID) *cacheReader {
	return &cacheReader{f: f, uuid: uuid}
}

func (r *cacheReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(r.uuid, p, r.off)
	r.off += int64(n)
	return n, err
}

func (r *cacheReader) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(r.uuid, p, off)
}

func (r *cacheReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.off = offset
	case io.SeekCurrent:
		r.off += offset
	default:
		return 0, fmt.Errorf("cache files do not support seeking from the end")
	}
	if r.off < 0 {
		return 0, fmt.Errorf("negative seek offset %d", r.off)
	}
	return r.off, nil
}

func (r *cacheReader) ReadAtAddr(p []byte, addr uint64) (int, error) {
	return r.f.ReadAtAddr(p, addr)
}

func (r *cacheReader) SeekToAddr(addr uint64) error {
	uuid, off, err := r.f.GetOffset(addr)
	if err != nil {
		return err
	}
	r.uuid = uuid
	r.off = int64(off)
	return nil
}

// vmAddrConverter builds the slide-aware address converter go-macho uses to
// chase pointers while parsing in-cache images.
func (f *File) vmAddrConverter(uuid types.UUID) types.VMAddrConverter {
	return types.VMAddrConverter{
		Converter: func(addr uint64) uint64 {
			return f.SlidePointer(addr)
		},
		VMAddr2Offet: func(address uint64) (uint64, error) {
			_, off, err := f.GetOffset(address)
			return off, err
		},
		Offet2VMAddr: func(offset uint64) (uint64, error) {
			return f.GetVMAddress(uuid, offset)
		},
	}
}

// ReadPointerAtAddr reads a pointer slot at an unslid VM address and strips
// its slide encoding.
func (f *File) ReadPointerAtAddr(addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := f.ReadAtAddr(b[:], addr); err != nil {
		return 0, err
	}
	return f.SlidePointer(f.ByteOrder.Uint64(b[:])), nil
}

// SlidePointer strips the slide-table encoding from a raw in-cache pointer,
// returning the unslid target address. The decoder comes from the first
// data mapping in header order, main cache first, so the choice is stable
// across runs.
func (f *File) SlidePointer(value uint64) uint64 {
	for _, uuid := range f.cacheOrder() {
		cache, ok := f.caches[uuid]
		if !ok {
			continue
		}
		for _, mapping := range cache.mappings {
			if mapping.SlideInfo != nil {
				return mapping.SlideInfo.SlidePointer(value)
			}
		}
	}
	return value
}

// cacheOrder returns the backing file UUIDs in header order.
func (f *File) cacheOrder() []types.UUID {
	order := make([]types.UUID, 0, len(f.SubCacheIDs)+1)
	order = append(order, f.UUID)
	order = append(order, f.SubCacheIDs...)
	return order
}
