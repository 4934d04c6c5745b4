package dsc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/google/go-cmp/cmp"
)

func TestCacheSlidePointer3Plain(t *testing.T) {
	raw := uint64(0x180004000) | (2 << 51)
	p := CacheSlidePointer3(raw)

	if p.Authenticated() {
		t.Errorf("plain pointer reports authenticated")
	}
	if got, want := p.OffsetToNextPointer(), uint64(2); got != want {
		t.Errorf("OffsetToNextPointer() = %d; want %d", got, want)
	}
	if got, want := p.SignExtend51(), uint64(0x180004000); got != want {
		t.Errorf("SignExtend51() = %#x; want %#x", got, want)
	}
}

func TestCacheSlidePointer3Auth(t *testing.T) {
	raw := uint64(0x4010) | uint64(0xBEEF)<<32 | 1<<48 | 1<<49 | 1<<63
	p := CacheSlidePointer3(raw)

	if !p.Authenticated() {
		t.Fatalf("auth pointer not detected")
	}
	if got, want := p.OffsetFromSharedCacheBase(), uint64(0x4010); got != want {
		t.Errorf("OffsetFromSharedCacheBase() = %#x; want %#x", got, want)
	}
	if got, want := p.DiversityData(), uint64(0xBEEF); got != want {
		t.Errorf("DiversityData() = %#x; want %#x", got, want)
	}
	if !p.HasAddressDiversity() {
		t.Errorf("HasAddressDiversity() = false; want true")
	}
	if got, want := p.Key(), uint64(1); got != want {
		t.Errorf("Key() = %d; want %d", got, want)
	}
	if got, want := p.OffsetToNextPointer(), uint64(0); got != want {
		t.Errorf("OffsetToNextPointer() = %d; want %d", got, want)
	}
}

// fakeCache builds a File over an in-memory byte slice with one mapping.
func fakeCache(t *testing.T, data []byte, mapping *CacheMapping) (*File, types.UUID) {
	t.Helper()
	uuid := types.UUID{0xAA, 0x01}
	f := &File{
		ByteOrder: binary.LittleEndian,
		caches: map[types.UUID]*subCache{
			uuid: {path: "fake", mappings: []*CacheMapping{mapping}},
		},
		r: map[types.UUID]io.ReaderAt{uuid: bytes.NewReader(data)},
	}
	return f, uuid
}

func TestRebasesForRangeV2(t *testing.T) {
	const (
		pageSize = 4096
		dataBase = uint64(0x1_8000_0000)
	)
	si := CacheSlideInfo2{
		Version:          2,
		PageSize:         pageSize,
		PageStartsOffset: uint32(binary.Size(CacheSlideInfo2{})),
		PageStartsCount:  1,
		DeltaMask:        0x00FF_FF00_0000_0000,
		ValueAdd:         0,
	}

	data := make([]byte, 0x3000)
	// chain: slot at 0x10 links (delta 4 uint32s = 16 bytes) to slot at
	// 0x20, which terminates
	binary.LittleEndian.PutUint64(data[0x10:], 0x1_8000_1000|4<<40)
	binary.LittleEndian.PutUint64(data[0x20:], 0x1_8000_2000)

	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, si)
	binary.Write(&blob, binary.LittleEndian, uint16(0x10/4)) // page_starts[0]
	copy(data[0x2000:], blob.Bytes())

	mapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address:         dataBase,
			Size:            pageSize,
			FileOffset:      0,
			SlideInfoOffset: 0x2000,
			SlideInfoSize:   uint64(blob.Len()),
		},
		SlideInfo: si,
	}

	f, uuid := fakeCache(t, data, mapping)

	got, err := f.RebasesForRange(uuid, mapping, dataBase, pageSize)
	if err != nil {
		t.Fatalf("RebasesForRange() = %v", err)
	}

	want := []Rebase{
		{CacheFileOffset: 0x10, CacheVMAddress: dataBase + 0x10, Target: 0x1_8000_1000, Raw: 0x1_8000_1000 | 4<<40, Width: 8},
		{CacheFileOffset: 0x20, CacheVMAddress: dataBase + 0x20, Target: 0x1_8000_2000, Raw: 0x1_8000_2000, Width: 8},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rebases mismatch (-want +got):\n%s", diff)
	}
}

func TestRebasesForRangeV3(t *testing.T) {
	const (
		pageSize = 4096
		dataBase = uint64(0x1_8000_0000)
	)
	si := CacheSlideInfo3{
		Version:         3,
		PageSize:        pageSize,
		PageStartsCount: 1,
		AuthValueAdd:    dataBase,
	}

	data := make([]byte, 0x3000)
	// plain slot at 0 links (2 strides = 16 bytes) to an auth slot at 0x10
	binary.LittleEndian.PutUint64(data[0x00:], 0x1_8000_4000|2<<51)
	binary.LittleEndian.PutUint64(data[0x10:], 0x4010|uint64(0xBEEF)<<32|1<<48|1<<49|1<<63)

	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, si)
	binary.Write(&blob, binary.LittleEndian, uint16(0)) // page_starts[0]
	copy(data[0x2000:], blob.Bytes())

	mapping := &CacheMapping{
		Name: "__AUTH",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address:         dataBase,
			Size:            pageSize,
			FileOffset:      0,
			SlideInfoOffset: 0x2000,
			SlideInfoSize:   uint64(blob.Len()),
		},
		SlideInfo: si,
	}

	f, uuid := fakeCache(t, data, mapping)

	got, err := f.RebasesForRange(uuid, mapping, dataBase, pageSize)
	if err != nil {
		t.Fatalf("RebasesForRange() = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d rebases; want 2", len(got))
	}
	if got[0].Target != 0x1_8000_4000 {
		t.Errorf("plain target = %#x; want %#x", got[0].Target, uint64(0x1_8000_4000))
	}
	if got[0].Authenticated {
		t.Errorf("plain slot reports authenticated")
	}
	auth := got[1]
	if !auth.Authenticated {
		t.Fatalf("auth slot not detected")
	}
	if want := dataBase + 0x4010; auth.Target != want {
		t.Errorf("auth target = %#x; want %#x", auth.Target, want)
	}
	if auth.DiversityData != 0xBEEF || !auth.HasAddrDiv || auth.Key != 1 {
		t.Errorf("auth metadata = (%#x, %t, %d); want (0xbeef, true, 1)", auth.DiversityData, auth.HasAddrDiv, auth.Key)
	}
	if got[0].Width != 8 || got[1].Width != 8 {
		t.Errorf("v3 slot widths = %d/%d; want 8/8", got[0].Width, got[1].Width)
	}
}

func TestRebasesForRangeV1(t *testing.T) {
	const (
		pageSize = 4096
		dataBase = uint64(0x1_8000_0000)
	)
	si := CacheSlideInfo{
		Version:       1,
		TocOffset:     uint32(binary.Size(CacheSlideInfo{})),
		TocCount:      1,
		EntriesOffset: uint32(binary.Size(CacheSlideInfo{})) + 2,
		EntriesCount:  1,
		EntriesSize:   128,
	}

	data := make([]byte, 0x3000)
	// two 32-bit slots on the page: offsets 0x8 (bit 2 of byte 0) and 0x24
	// (bit 1 of byte 1)
	binary.LittleEndian.PutUint32(data[0x08:], 0x4141_4141)
	binary.LittleEndian.PutUint32(data[0x24:], 0x4242_4242)
	// the adjacent high half of an 8-byte slot must not be treated as part
	// of the rebase
	binary.LittleEndian.PutUint32(data[0x0C:], 0x7FFF)

	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, si)
	binary.Write(&blob, binary.LittleEndian, uint16(0)) // toc[0] -> bitmap 0
	bitmap := make([]byte, 128)
	bitmap[0] = 1 << 2
	bitmap[1] = 1 << 1
	blob.Write(bitmap)
	copy(data[0x2000:], blob.Bytes())

	mapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address:         dataBase,
			Size:            pageSize,
			FileOffset:      0,
			SlideInfoOffset: 0x2000,
			SlideInfoSize:   uint64(blob.Len()),
		},
		SlideInfo: si,
	}

	f, uuid := fakeCache(t, data, mapping)

	got, err := f.RebasesForRange(uuid, mapping, dataBase, pageSize)
	if err != nil {
		t.Fatalf("RebasesForRange() = %v", err)
	}

	want := []Rebase{
		{CacheFileOffset: 0x08, CacheVMAddress: dataBase + 0x08, Target: 0x4141_4141, Raw: 0x4141_4141, Width: 4},
		{CacheFileOffset: 0x24, CacheVMAddress: dataBase + 0x24, Target: 0x4242_4242, Raw: 0x4242_4242, Width: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rebases mismatch (-want +got):\n%s", diff)
	}
}

func TestRebasesForRangeNoSlideInfo(t *testing.T) {
	mapping := &CacheMapping{Name: "__TEXT"}
	f, uuid := fakeCache(t, make([]byte, 16), mapping)

	if _, err := f.RebasesForRange(uuid, mapping, 0, 16); err != ErrNoSlideInfo {
		t.Errorf("RebasesForRange() = %v; want ErrNoSlideInfo", err)
	}
}

func TestChainWalkOffPageIsFatal(t *testing.T) {
	const pageSize = 4096
	si := CacheSlideInfo2{
		Version:          2,
		PageSize:         pageSize,
		PageStartsOffset: uint32(binary.Size(CacheSlideInfo2{})),
		PageStartsCount:  1,
		DeltaMask:        0x00FF_FF00_0000_0000,
	}

	data := make([]byte, 0x3000)
	// delta of 0x3FF uint32s steps past the 4 KiB page boundary
	binary.LittleEndian.PutUint64(data[0xFF0:], 0x1_8000_1000|0x3FF<<40)

	var blob bytes.Buffer
	binary.Write(&blob, binary.LittleEndian, si)
	binary.Write(&blob, binary.LittleEndian, uint16(0xFF0/4))
	copy(data[0x2000:], blob.Bytes())

	mapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address:         0x1_8000_0000,
			Size:            pageSize,
			SlideInfoOffset: 0x2000,
			SlideInfoSize:   uint64(blob.Len()),
		},
		SlideInfo: si,
	}

	f, uuid := fakeCache(t, data, mapping)

	_, err := f.RebasesForRange(uuid, mapping, 0x1_8000_0000, pageSize)
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Errorf("RebasesForRange() = %v; want FormatError", err)
	}
}
