package dsc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/blacktop/go-macho/types"
)

var _ types.MachoReader = (*cacheReader)(nil)

func twoCacheFile(t *testing.T, mainData, subData []byte, mainMapping, subMapping *CacheMapping) (*File, types.UUID, types.UUID) {
	t.Helper()
	main := types.UUID{0xAA, 0x01}
	sub := types.UUID{0xBB, 0x02}
	f := &File{
		ByteOrder:   binary.LittleEndian,
		UUID:        main,
		SubCacheIDs: []types.UUID{sub},
		caches: map[types.UUID]*subCache{
			main: {path: "main", mappings: []*CacheMapping{mainMapping}},
			sub:  {path: "sub", mappings: []*CacheMapping{subMapping}},
		},
		r: map[types.UUID]io.ReaderAt{
			main: bytes.NewReader(mainData),
			sub:  bytes.NewReader(subData),
		},
	}
	return f, main, sub
}

func TestSlidePointerPrefersMainCacheDecoder(t *testing.T) {
	mainMapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address: 0x1_8000_0000,
			Size:    0x4000,
		},
		SlideInfo: CacheSlideInfo2{
			Version:   2,
			DeltaMask: 0x00FF_FF00_0000_0000,
			ValueAdd:  0x1000,
		},
	}
	subMapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address: 0x1_9000_0000,
			Size:    0x4000,
		},
		SlideInfo: CacheSlideInfo{Version: 1}, // passthrough decoder
	}
	f, _, _ := twoCacheFile(t, make([]byte, 16), make([]byte, 16), mainMapping, subMapping)

	raw := uint64(0x4000_0000 | 4<<40)
	want := uint64(0x4000_1000)
	// repeat to catch any iteration-order dependence in the lookup
	for i := 0; i < 8; i++ {
		if got := f.SlidePointer(raw); got != want {
			t.Fatalf("SlidePointer(%#x) = %#x; want %#x (main cache decoder)", raw, got, want)
		}
	}
}

func TestCacheReaderSeekToAddrCrossesFiles(t *testing.T) {
	mainData := []byte("main-cache-bytes")
	subData := []byte("sub-cache--bytes")
	mainMapping := &CacheMapping{
		Name: "__TEXT",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address: 0x1_8000_0000,
			Size:    uint64(len(mainData)),
		},
	}
	subMapping := &CacheMapping{
		Name: "__DATA",
		CacheMappingAndSlideInfo: CacheMappingAndSlideInfo{
			Address: 0x1_9000_0000,
			Size:    uint64(len(subData)),
		},
	}
	f, mainUUID, _ := twoCacheFile(t, mainData, subData, mainMapping, subMapping)

	r := f.newReader(mainUUID)
	buf := make([]byte, 4)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "main" {
		t.Errorf("read %q from the main cache; want %q", buf, "main")
	}

	if err := r.SeekToAddr(0x1_9000_0000 + 4); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "cach" {
		t.Errorf("read %q after SeekToAddr into the sub-cache; want %q", buf, "cach")
	}
}
