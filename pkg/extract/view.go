package extract

import (
	"encoding/binary"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/dscextract/pkg/dsc"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const pageSize = 0x4000

// Segment is one contiguous VM range of the view, its bytes copied out of a
// backing cache file into a private buffer.
type Segment struct {
	Name       string
	Addr       uint64
	Size       uint64 // bytes held in data (file size)
	VMSize     uint64
	FileOffset uint64 // offset within the backing cache file
	UUID       types.UUID
	Prot       types.VmProtection

	data  []byte
	dirty bool
}

// Contains returns if addr falls inside the segment's buffered range.
func (s *Segment) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// Bytes returns the segment's private buffer.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Dirty returns if any byte of the segment has been patched.
func (s *Segment) Dirty() bool {
	return s.dirty
}

// ImageView is a mutable projection of one image: every segment copied into
// an owned buffer that the pipeline stages patch in place. Nothing is ever
// written back to the cache files.
type ImageView struct {
	cache *dsc.File
	image *dsc.CacheImage
	bo    binary.ByteOrder
	m     *macho.File

	segs []*Segment // ascending VM address
}

// NewImageView copies the image's segments out of the cache. Segments that
// physically live in other backing files (split __DATA, __AUTH) are pulled
// in the same way; the view does not care which file a segment came from
// beyond recording its UUID for the layout plan.
func NewImageView(f *dsc.File, image *dsc.CacheImage) (*ImageView, error) {
	var hdr [4]byte
	if _, err := f.ReadAtAddr(hdr[:], image.Base()); err != nil {
		return nil, err
	}
	if magic := binary.LittleEndian.Uint32(hdr[:]); magic != uint32(types.Magic64) {
		return nil, formatError(image.Base(), "image does not start with a 64-bit Mach-O header, found magic", magic)
	}

	m, err := image.GetPartialMacho()
	if err != nil {
		return nil, err
	}

	v := &ImageView{
		cache: f,
		image: image,
		bo:    binary.LittleEndian,
		m:     m,
	}

	for _, seg := range m.Segments() {
		if seg.Filesz == 0 && seg.Name != "__LINKEDIT" {
			continue
		}
		if err := v.addSegment(seg); err != nil {
			return nil, err
		}
	}

	sort.Slice(v.segs, func(i, j int) bool { return v.segs[i].Addr < v.segs[j].Addr })
	return v, nil
}

func (v *ImageView) addSegment(seg *macho.Segment) error {
	uuid, off, err := v.cache.GetOffset(seg.Addr)
	if err != nil {
		return err
	}
	data := make([]byte, seg.Filesz)
	if _, err := v.cache.ReadAt(uuid, data, int64(off)); err != nil {
		return errors.Wrapf(err, "failed to copy segment %s of %s", seg.Name, v.image.BaseName())
	}
	v.segs = append(v.segs, &Segment{
		Name:       seg.Name,
		Addr:       seg.Addr,
		Size:       seg.Filesz,
		VMSize:     seg.Memsz,
		FileOffset: off,
		UUID:       uuid,
		Prot:       seg.Prot,
		data:       data,
	})
	return nil
}

// Image returns the cache image the view projects.
func (v *ImageView) Image() *dsc.CacheImage { return v.image }

// Cache returns the address space the view was built from.
func (v *ImageView) Cache() *dsc.File { return v.cache }

// MachO returns the image's parsed load commands.
func (v *ImageView) MachO() *macho.File { return v.m }

// ByteOrder returns the view's byte order (caches are little endian).
func (v *ImageView) ByteOrder() binary.ByteOrder { return v.bo }

// Segments returns the view's segments in ascending VM order.
func (v *ImageView) Segments() []*Segment { return v.segs }

// SegmentFor returns the segment containing addr, or nil.
func (v *ImageView) SegmentFor(addr uint64) *Segment {
	for _, s := range v.segs {
		if s.Contains(addr) {
			return s
		}
	}
	return nil
}

// Segment returns the named segment, or nil.
func (v *ImageView) Segment(name string) *Segment {
	for _, s := range v.segs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Contains returns if addr falls inside any of the view's segments.
func (v *ImageView) Contains(addr uint64) bool {
	return v.SegmentFor(addr) != nil
}

// Read returns a copy of n bytes at addr. The range must lie inside one
// segment; a range spanning segments is a caller bug, not a format problem.
func (v *ImageView) Read(addr, n uint64) ([]byte, error) {
	seg := v.SegmentFor(addr)
	if seg == nil || addr+n > seg.Addr+seg.Size {
		return nil, &RangeError{Addr: addr, Size: n, op: "read"}
	}
	out := make([]byte, n)
	copy(out, seg.data[addr-seg.Addr:])
	return out, nil
}

// Uint64 reads a pointer-sized value at addr.
func (v *ImageView) Uint64(addr uint64) (uint64, error) {
	b, err := v.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return v.bo.Uint64(b), nil
}

// Uint32 reads a 32-bit value at addr.
func (v *ImageView) Uint32(addr uint64) (uint32, error) {
	b, err := v.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return v.bo.Uint32(b), nil
}

// Patch overwrites bytes at addr in the view. The backing cache file is
// never touched; persistence happens only through the layout plan.
func (v *ImageView) Patch(addr uint64, b []byte) error {
	seg := v.SegmentFor(addr)
	if seg == nil || addr+uint64(len(b)) > seg.Addr+seg.Size {
		return &RangeError{Addr: addr, Size: uint64(len(b)), op: "patch"}
	}
	copy(seg.data[addr-seg.Addr:], b)
	seg.dirty = true
	return nil
}

// PatchUint64 overwrites a pointer slot at addr.
func (v *ImageView) PatchUint64(addr, value uint64) error {
	var b [8]byte
	v.bo.PutUint64(b[:], value)
	return v.Patch(addr, b[:])
}

// PatchUint32 overwrites a 32-bit slot at addr.
func (v *ImageView) PatchUint32(addr uint64, value uint32) error {
	var b [4]byte
	v.bo.PutUint32(b[:], value)
	return v.Patch(addr, b[:])
}

// ReplaceSegmentData swaps the named segment's buffer for a rebuilt one.
// Used by the linkedit rebuild, which synthesizes the whole segment.
func (v *ImageView) ReplaceSegmentData(name string, data []byte) error {
	seg := v.Segment(name)
	if seg == nil {
		return errors.Errorf("view of %s has no %s segment", v.image.BaseName(), name)
	}
	seg.data = data
	seg.Size = uint64(len(data))
	seg.VMSize = align(uint64(len(data)), pageSize)
	seg.dirty = true
	return nil
}

// AllocExtra appends a synthetic segment after the view's highest VM
// address, page aligned, and returns its base address. The layout planner
// accounts for its space like any other segment.
func (v *ImageView) AllocExtra(name string, data []byte) uint64 {
	last := v.segs[len(v.segs)-1]
	addr := align(last.Addr+last.VMSize, pageSize)

	seg := &Segment{
		Name:   name,
		Addr:   addr,
		Size:   uint64(len(data)),
		VMSize: align(uint64(len(data)), pageSize),
		Prot:   types.VmProtection(1),
		data:   data,
		dirty:  true,
	}
	v.segs = append(v.segs, seg)
	log.Debugf("allocated %s extra segment at %#x (%d bytes)", name, addr, len(data))
	return addr
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
