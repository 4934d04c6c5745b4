package dsc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/blacktop/go-macho/types"
)

type slideInfo interface {
	GetVersion() uint32
	GetPageSize() uint32
	SlidePointer(uint64) uint64
}

// CacheSlideInfo is the version 1 rebase table: a toc of 128-byte page
// bitmaps, one bit per 32-bit slot.
type CacheSlideInfo struct {
	Version       uint32 // currently 1
	TocOffset     uint32
	TocCount      uint32
	EntriesOffset uint32
	EntriesCount  uint32
	EntriesSize   uint32 // currently 128
	// uint16_t toc[toc_count];
	// entrybitmap entries[entries_count];
}

func (i CacheSlideInfo) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo) GetPageSize() uint32 {
	return 4096
}
func (i CacheSlideInfo) SlidePointer(ptr uint64) uint64 {
	return ptr
}

const (
	DyldCacheSlidePageAttrs        = 0xC000 // high bits of uint16_t are flags
	DyldCacheSlidePageAttrExtra    = 0x8000 // index is into extras array (not starts array)
	DyldCacheSlidePageAttrNoRebase = 0x4000 // page has no rebasing
	DyldCacheSlidePageAttrEnd      = 0x8000 // last chain entry for page
)

// CacheSlideInfo2 is the version 2 rebase table: per-page delta chains where
// the delta to the next slot is embedded in the pointer's masked-off bits.
type CacheSlideInfo2 struct {
	Version          uint32 // currently 2
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location
	ValueAdd         uint64
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

func (i CacheSlideInfo2) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo2) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo2) SlidePointer(ptr uint64) uint64 {
	if value := ptr & ^i.DeltaMask; value != 0 {
		return value + i.ValueAdd
	}
	return 0
}

const DyldCacheSlideV3PageAttrNoRebase = 0xFFFF // page has no rebasing

// CacheSlideInfo3 is the version 3 rebase table used by arm64e caches:
// per-page chains of CacheSlidePointer3 values.
type CacheSlideInfo3 struct {
	Version         uint32 // currently 3
	PageSize        uint32 // currently 4096 (may also be 16384)
	PageStartsCount uint32
	_               uint32 // padding for 64bit alignment
	AuthValueAdd    uint64
	// PageStarts      []uint16 /* len() = page_starts_count */
}

func (i CacheSlideInfo3) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo3) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo3) SlidePointer(ptr uint64) uint64 {
	if ptr == 0 {
		return 0
	} else if (ptr & 0xFFF8_0000_0000_0000) == 0 {
		return ptr
	}
	pointer := CacheSlidePointer3(ptr)
	if pointer.Authenticated() {
		return i.AuthValueAdd + pointer.OffsetFromSharedCacheBase()
	}
	return pointer.SignExtend51()
}

// CacheSlidePointer3 is an encoded slot in a v3 chain.
//
//	{
//	    uint64_t  raw;
//	    struct {
//	        uint64_t    pointerValue        : 51,
//	                    offsetToNextPointer : 11,
//	                    unused              :  2;
//	    }         plain;
//	    struct {
//	        uint64_t    offsetFromSharedCacheBase : 32,
//	                    diversityData             : 16,
//	                    hasAddressDiversity       :  1,
//	                    key                       :  2,
//	                    offsetToNextPointer       : 11,
//	                    unused                    :  1,
//	                    authenticated             :  1; // = 1;
//	    }         auth;
//	};
type CacheSlidePointer3 uint64

// SignExtend51 returns a regular pointer which needs to fit in 51-bits of
// value. C++ RTTI uses the top bit, so the whole top-byte and the
// sign-extended bottom 43-bits are folded into 51-bits.
func (p CacheSlidePointer3) SignExtend51() uint64 {
	top8Bits := uint64(p & 0x007F80000000000)
	bottom43Bits := uint64(p & 0x000007FFFFFFFFFF)
	return (top8Bits << 13) | (((uint64)(bottom43Bits<<21) >> 21) & 0x00FFFFFFFFFFFFFF)
}

// Raw returns the chained pointer's raw uint64 value
func (p CacheSlidePointer3) Raw() uint64 {
	return uint64(p)
}

// Value returns the chained pointer's value
func (p CacheSlidePointer3) Value() uint64 {
	return types.ExtractBits(uint64(p), 0, 51)
}

// OffsetToNextPointer returns the offset to the next chained pointer
func (p CacheSlidePointer3) OffsetToNextPointer() uint64 {
	return types.ExtractBits(uint64(p), 51, 11)
}

// OffsetFromSharedCacheBase returns the chained pointer's offset from the base
func (p CacheSlidePointer3) OffsetFromSharedCacheBase() uint64 {
	return types.ExtractBits(uint64(p), 0, 32)
}

// DiversityData returns the chained pointer's diversity data
func (p CacheSlidePointer3) DiversityData() uint64 {
	return types.ExtractBits(uint64(p), 32, 16)
}

// HasAddressDiversity returns if the chained pointer has address diversity
func (p CacheSlidePointer3) HasAddressDiversity() bool {
	return types.ExtractBits(uint64(p), 48, 1) != 0
}

// Key returns the chained pointer's key
func (p CacheSlidePointer3) Key() uint64 {
	return types.ExtractBits(uint64(p), 49, 2)
}

// Authenticated returns if the chained pointer is authenticated
func (p CacheSlidePointer3) Authenticated() bool {
	return types.ExtractBits(uint64(p), 63, 1) != 0
}

func (p CacheSlidePointer3) String() string {
	if p.Authenticated() {
		return fmt.Sprintf("value: %#x, next: %02x, diversity: %04x, addr_div: %t, key: %d",
			p.Value(),
			p.OffsetToNextPointer(),
			p.DiversityData(),
			p.HasAddressDiversity(),
			p.Key(),
		)
	}
	return fmt.Sprintf("value: %#x, next: %02x", p.Value(), p.OffsetToNextPointer())
}

const (
	DyldCacheSlide4PageNoRebase = 0xFFFF // page has no rebasing
	DyldCacheSlide4PageIndex    = 0x7FFF // mask of page_starts[] values
	DyldCacheSlide4PageUseExtra = 0x8000 // index is into extras array (not a chain start offset)
	DyldCacheSlide4PageExtraEnd = 0x8000 // last chain entry for page
)

// CacheSlideInfo4 is the version 4 rebase table (watchOS, 32-bit pointers).
type CacheSlideInfo4 struct {
	Version          uint32 // currently 4
	PageSize         uint32 // currently 4096 (may also be 16384)
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
	DeltaMask        uint64 // which (contiguous) set of bits contains the delta to the next rebase location (0xC0000000)
	ValueAdd         uint64 // base address of cache
	//uint16_t    page_starts[page_starts_count];
	//uint16_t    page_extras[page_extras_count];
}

func (i CacheSlideInfo4) GetVersion() uint32 {
	return i.Version
}
func (i CacheSlideInfo4) GetPageSize() uint32 {
	return i.PageSize
}
func (i CacheSlideInfo4) SlidePointer(ptr uint64) uint64 {
	value := ptr & ^i.DeltaMask
	if (value & 0xFFFF8000) == 0 {
		return value // small positive non-pointer
	}
	if (value & 0x3FFF8000) == 0x3FFF8000 {
		return value | 0xC0000000 // small negative non-pointer
	}
	return value + i.ValueAdd
}

// ParseSlideInfo decodes each data mapping's rebase table header, leaving
// per-mapping slideInfo ready for RebasesForMapping. Mappings without slide
// info (TEXT, LINKEDIT) are left untouched.
func (f *File) ParseSlideInfo() error {
	for uuid, cache := range f.caches {
		for _, mapping := range cache.mappings {
			if mapping.SlideInfoSize == 0 {
				continue
			}
			if err := f.parseSlideInfoForMapping(uuid, mapping); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *File) parseSlideInfoForMapping(uuid types.UUID, mapping *CacheMapping) error {
	sr := io.NewSectionReader(f.r[uuid], int64(mapping.SlideInfoOffset), int64(mapping.SlideInfoSize))

	var version uint32
	if err := binary.Read(sr, f.ByteOrder, &version); err != nil {
		return err
	}
	sr.Seek(0, io.SeekStart)

	switch version {
	case 1:
		var si CacheSlideInfo
		if err := binary.Read(sr, f.ByteOrder, &si); err != nil {
			return err
		}
		mapping.SlideInfo = si
	case 2:
		var si CacheSlideInfo2
		if err := binary.Read(sr, f.ByteOrder, &si); err != nil {
			return err
		}
		mapping.SlideInfo = si
	case 3:
		var si CacheSlideInfo3
		if err := binary.Read(sr, f.ByteOrder, &si); err != nil {
			return err
		}
		mapping.SlideInfo = si
	case 4:
		var si CacheSlideInfo4
		if err := binary.Read(sr, f.ByteOrder, &si); err != nil {
			return err
		}
		mapping.SlideInfo = si
	default:
		return formatError(int64(mapping.SlideInfoOffset), "unexpected dyld slide info version", version)
	}

	return nil
}

// RebasesForRange walks the rebase chains of every page that overlaps
// [start, start+size) of the given mapping and returns the decoded slots.
// The returned targets are the unslid author-time pointer values; applying a
// runtime slide is the loader's job, not ours.
func (f *File) RebasesForRange(uuid types.UUID, mapping *CacheMapping, start, size uint64) ([]Rebase, error) {
	if mapping.SlideInfo == nil {
		return nil, ErrNoSlideInfo
	}

	data := make([]byte, mapping.SlideInfoSize)
	if _, err := f.r[uuid].ReadAt(data, int64(mapping.SlideInfoOffset)); err != nil {
		return nil, err
	}

	switch si := mapping.SlideInfo.(type) {
	case CacheSlideInfo:
		return f.walkSlideBitmapsV1(uuid, mapping, si, data, start, size)
	case CacheSlideInfo2:
		return f.walkSlideChainsV2(uuid, mapping, si, data, start, size, 8)
	case CacheSlideInfo3:
		return f.walkSlideChainsV3(uuid, mapping, si, data, start, size)
	case CacheSlideInfo4:
		return f.walkSlideChainsV2(uuid, mapping, CacheSlideInfo2{
			Version:          si.Version,
			PageSize:         si.PageSize,
			PageStartsOffset: si.PageStartsOffset,
			PageStartsCount:  si.PageStartsCount,
			PageExtrasOffset: si.PageExtrasOffset,
			PageExtrasCount:  si.PageExtrasCount,
			DeltaMask:        si.DeltaMask,
			ValueAdd:         si.ValueAdd,
		}, data, start, size, 4)
	default:
		return nil, formatError(int64(mapping.SlideInfoOffset), "cannot walk rebase chains for slide info version", mapping.SlideInfo.GetVersion())
	}
}

// walkSlideBitmapsV1 decodes the version 1 rebase table: a toc entry per
// 4096-byte page naming a 128-byte bitmap, one bit per 32-bit slot.
func (f *File) walkSlideBitmapsV1(uuid types.UUID, mapping *CacheMapping, si CacheSlideInfo, data []byte, start, size uint64) ([]Rebase, error) {
	var rebases []Rebase

	if uint64(si.TocOffset)+uint64(si.TocCount)*2 > uint64(len(data)) ||
		uint64(si.EntriesOffset)+uint64(si.EntriesCount)*uint64(si.EntriesSize) > uint64(len(data)) {
		return nil, formatError(int64(mapping.SlideInfoOffset), "v1 slide info toc or entries outside the info blob, toc count", si.TocCount)
	}
	toc := make([]uint16, si.TocCount)
	if err := binary.Read(bytes.NewReader(data[si.TocOffset:]), f.ByteOrder, &toc); err != nil {
		return nil, err
	}

	pageSize := uint64(si.GetPageSize())
	firstPage := 0
	lastPage := len(toc)
	if start > mapping.Address {
		firstPage = int((start - mapping.Address) / pageSize)
	}
	if end := start + size; end < mapping.Address+mapping.Size {
		lastPage = int(((end - mapping.Address) + pageSize - 1) / pageSize)
	}
	if lastPage > len(toc) {
		lastPage = len(toc)
	}

	for i := firstPage; i < lastPage; i++ {
		if uint32(toc[i]) >= si.EntriesCount {
			return nil, formatError(int64(mapping.SlideInfoOffset), "v1 slide info toc references bitmap out of range, index", toc[i])
		}
		bitmap := data[uint64(si.EntriesOffset)+uint64(toc[i])*uint64(si.EntriesSize):][:si.EntriesSize]

		pageFileOffset := mapping.FileOffset + uint64(i)*pageSize
		pageVMAddr := mapping.Address + uint64(i)*pageSize
		for byteIdx, b := range bitmap {
			if b == 0 {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) == 0 {
					continue
				}
				slotOff := uint64(byteIdx*8+bit) * 4
				var buf [4]byte
				if _, err := f.r[uuid].ReadAt(buf[:], int64(pageFileOffset+slotOff)); err != nil {
					return nil, err
				}
				raw := uint64(f.ByteOrder.Uint32(buf[:]))
				rebases = append(rebases, Rebase{
					CacheFileOffset: pageFileOffset + slotOff,
					CacheVMAddress:  pageVMAddr + slotOff,
					Target:          raw,
					Raw:             raw,
					Width:           4,
				})
			}
		}
	}

	return rebases, nil
}

// walkSlideChainsV2 decodes v2 (and, with ptrSize=4, v4) delta chains. The
// delta to the next slot lives in the DeltaMask bits of each slot's raw
// value; a delta of zero ends the chain.
func (f *File) walkSlideChainsV2(uuid types.UUID, mapping *CacheMapping, si CacheSlideInfo2, data []byte, start, size uint64, ptrSize uint64) ([]Rebase, error) {
	var rebases []Rebase

	deltaShift := uint64(bits.TrailingZeros64(si.DeltaMask))
	// slots are pointer aligned so the delta is a slot count for v4
	valueMask := ^si.DeltaMask

	starts, extras, err := readPageArrays(data, si.PageStartsOffset, si.PageStartsCount, si.PageExtrasOffset, si.PageExtrasCount, f.ByteOrder)
	if err != nil {
		return nil, err
	}

	firstPage := int(0)
	lastPage := len(starts)
	if start > mapping.Address {
		firstPage = int((start - mapping.Address) / uint64(si.PageSize))
	}
	if end := start + size; end < mapping.Address+mapping.Size {
		lastPage = int((end-mapping.Address)+uint64(si.PageSize)-1) / int(si.PageSize)
	}
	if lastPage > len(starts) {
		lastPage = len(starts)
	}

	walkChain := func(pageIndex int, pageOffset uint16) error {
		pageFileOffset := mapping.FileOffset + uint64(pageIndex)*uint64(si.PageSize)
		pageVMAddr := mapping.Address + uint64(pageIndex)*uint64(si.PageSize)

		rebaseOff := uint64(pageOffset) * 4 // offsets are in units of 4 bytes
		for {
			if rebaseOff >= uint64(si.PageSize) {
				return formatError(int64(pageFileOffset+rebaseOff), "rebase chain delta walked off its page in mapping", mapping.Name)
			}
			var raw uint64
			buf := make([]byte, ptrSize)
			if _, err := f.r[uuid].ReadAt(buf, int64(pageFileOffset+rebaseOff)); err != nil {
				return err
			}
			if ptrSize == 8 {
				raw = f.ByteOrder.Uint64(buf)
			} else {
				raw = uint64(f.ByteOrder.Uint32(buf))
			}

			value := raw & valueMask
			var target uint64
			if value != 0 {
				target = value + si.ValueAdd
			}
			rebases = append(rebases, Rebase{
				CacheFileOffset: pageFileOffset + rebaseOff,
				CacheVMAddress:  pageVMAddr + rebaseOff,
				Target:          target,
				Raw:             raw,
				Width:           uint8(ptrSize),
			})

			delta := (raw & si.DeltaMask) >> deltaShift
			if delta == 0 {
				break // zero delta is the chain terminator
			}
			rebaseOff += delta * 4 // deltas are in units of uint32_t
		}
		return nil
	}

	for i := firstPage; i < lastPage; i++ {
		page := starts[i]
		switch {
		case page == DyldCacheSlidePageAttrNoRebase:
			continue
		case page&DyldCacheSlidePageAttrExtra != 0:
			// chase the extras list until the END marker
			for j := int(page & ^uint16(DyldCacheSlidePageAttrs)); j < len(extras); j++ {
				extra := extras[j]
				if err := walkChain(i, extra & ^uint16(DyldCacheSlidePageAttrs)); err != nil {
					return nil, err
				}
				if extra&DyldCacheSlidePageAttrEnd != 0 {
					break
				}
			}
		default:
			if err := walkChain(i, page); err != nil {
				return nil, err
			}
		}
	}

	return rebases, nil
}

// walkSlideChainsV3 decodes arm64e pointer-auth chains. Each slot's top bits
// carry the offset (in 8-byte strides) to the next slot; zero ends the chain.
func (f *File) walkSlideChainsV3(uuid types.UUID, mapping *CacheMapping, si CacheSlideInfo3, data []byte, start, size uint64) ([]Rebase, error) {
	var rebases []Rebase

	r := bytes.NewReader(data)
	if _, err := r.Seek(int64(binary.Size(si)), io.SeekStart); err != nil {
		return nil, err
	}
	pageStarts := make([]uint16, si.PageStartsCount)
	if err := binary.Read(r, f.ByteOrder, &pageStarts); err != nil {
		return nil, err
	}

	firstPage := 0
	lastPage := len(pageStarts)
	if start > mapping.Address {
		firstPage = int((start - mapping.Address) / uint64(si.PageSize))
	}
	if end := start + size; end < mapping.Address+mapping.Size {
		lastPage = int(((end - mapping.Address) + uint64(si.PageSize) - 1) / uint64(si.PageSize))
	}
	if lastPage > len(pageStarts) {
		lastPage = len(pageStarts)
	}

	for i := firstPage; i < lastPage; i++ {
		pageStart := pageStarts[i]
		if pageStart == DyldCacheSlideV3PageAttrNoRebase {
			continue
		}

		pageFileOffset := mapping.FileOffset + uint64(i)*uint64(si.PageSize)
		pageVMAddr := mapping.Address + uint64(i)*uint64(si.PageSize)

		rebaseOff := uint64(pageStart)
		for {
			if rebaseOff >= uint64(si.PageSize) {
				return nil, formatError(int64(pageFileOffset+rebaseOff), "rebase chain delta walked off its page in mapping", mapping.Name)
			}
			buf := make([]byte, 8)
			if _, err := f.r[uuid].ReadAt(buf, int64(pageFileOffset+rebaseOff)); err != nil {
				return nil, err
			}
			ptr := CacheSlidePointer3(f.ByteOrder.Uint64(buf))

			rb := Rebase{
				CacheFileOffset: pageFileOffset + rebaseOff,
				CacheVMAddress:  pageVMAddr + rebaseOff,
				Raw:             ptr.Raw(),
				Width:           8,
			}
			if ptr.Authenticated() {
				rb.Target = si.AuthValueAdd + ptr.OffsetFromSharedCacheBase()
				rb.Authenticated = true
				rb.DiversityData = uint16(ptr.DiversityData())
				rb.HasAddrDiv = ptr.HasAddressDiversity()
				rb.Key = uint8(ptr.Key())
			} else {
				rb.Target = ptr.SignExtend51()
			}
			rebases = append(rebases, rb)

			if ptr.OffsetToNextPointer() == 0 {
				break
			}
			rebaseOff += ptr.OffsetToNextPointer() * 8
		}
	}

	return rebases, nil
}

func readPageArrays(data []byte, startsOff, startsCount, extrasOff, extrasCount uint32, bo binary.ByteOrder) (starts, extras []uint16, err error) {
	r := bytes.NewReader(data)
	if _, err = r.Seek(int64(startsOff), io.SeekStart); err != nil {
		return nil, nil, err
	}
	starts = make([]uint16, startsCount)
	if err = binary.Read(r, bo, &starts); err != nil {
		return nil, nil, err
	}
	if extrasCount > 0 {
		if _, err = r.Seek(int64(extrasOff), io.SeekStart); err != nil {
			return nil, nil, err
		}
		extras = make([]uint16, extrasCount)
		if err = binary.Read(r, bo, &extras); err != nil {
			return nil, nil, err
		}
	}
	return starts, extras, nil
}
