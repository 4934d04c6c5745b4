package extract

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"github.com/blacktop/dscextract/pkg/dsc"
)

func testSeg(name string, addr uint64, data []byte) *Segment {
	return &Segment{
		Name:   name,
		Addr:   addr,
		Size:   uint64(len(data)),
		VMSize: align(uint64(len(data)), pageSize),
		data:   data,
	}
}

func testView(segs ...*Segment) *ImageView {
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	return &ImageView{
		bo:    binary.LittleEndian,
		image: &dsc.CacheImage{Name: "/usr/lib/libfixture.dylib"},
		segs:  segs,
	}
}

func TestViewReadReturnsCopy(t *testing.T) {
	v := testView(testSeg("__TEXT", 0x4000, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	got, err := v.Read(0x4002, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("Read(0x4002, 2) = %v; want [3 4]", got)
	}

	got[0] = 0xFF
	again, err := v.Read(0x4002, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again[0] != 3 {
		t.Errorf("mutating a returned slice changed the view: got %d; want 3", again[0])
	}
}

func TestViewPatch(t *testing.T) {
	v := testView(testSeg("__DATA", 0x8000, make([]byte, 32)))
	seg := v.Segment("__DATA")

	if seg.Dirty() {
		t.Fatal("fresh segment reports dirty")
	}
	if err := v.PatchUint64(0x8008, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if !seg.Dirty() {
		t.Error("patched segment does not report dirty")
	}
	got, err := v.Uint64(0x8008)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xDEADBEEF {
		t.Errorf("Uint64 after PatchUint64 = %#x; want 0xdeadbeef", got)
	}
}

func TestViewRangeErrors(t *testing.T) {
	v := testView(
		testSeg("__TEXT", 0x4000, make([]byte, 16)),
		testSeg("__DATA", 0x8000, make([]byte, 16)),
	)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"unmapped read", func() error { _, err := v.Read(0x100, 4); return err }},
		{"read past segment end", func() error { _, err := v.Read(0x400C, 8); return err }},
		{"read spanning segments", func() error { _, err := v.Read(0x4008, 0x4010); return err }},
		{"unmapped patch", func() error { return v.Patch(0xF000, []byte{0}) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			var re *RangeError
			if !errors.As(err, &re) {
				t.Fatalf("got %v; want *RangeError", err)
			}
		})
	}
}

func TestAllocExtra(t *testing.T) {
	v := testView(testSeg("__TEXT", 0x4000, make([]byte, 0x100)))

	base := v.AllocExtra("__objc_methname", []byte("alloc\x00"))
	if base != 0x8000 {
		t.Errorf("AllocExtra base = %#x; want 0x8000 (next page after __TEXT)", base)
	}
	if !v.Contains(base) {
		t.Error("view does not contain the extra segment")
	}
	seg := v.Segment("__objc_methname")
	if seg == nil || !seg.Dirty() {
		t.Fatal("extra segment missing or not dirty")
	}

	// a second allocation lands after the first
	next := v.AllocExtra("__extra2", []byte{1})
	if next != base+pageSize {
		t.Errorf("second AllocExtra base = %#x; want %#x", next, base+pageSize)
	}
}

func TestReplaceSegmentData(t *testing.T) {
	v := testView(
		testSeg("__TEXT", 0x4000, make([]byte, 0x40)),
		testSeg("__LINKEDIT", 0x8000, make([]byte, 0x40)),
	)

	fresh := make([]byte, 0x123)
	if err := v.ReplaceSegmentData("__LINKEDIT", fresh); err != nil {
		t.Fatal(err)
	}
	seg := v.Segment("__LINKEDIT")
	if seg.Size != 0x123 {
		t.Errorf("Size = %#x; want 0x123", seg.Size)
	}
	if seg.VMSize != pageSize {
		t.Errorf("VMSize = %#x; want one page", seg.VMSize)
	}
	if !seg.Dirty() {
		t.Error("replaced segment not dirty")
	}

	if err := v.ReplaceSegmentData("__NOPE", nil); err == nil {
		t.Error("replacing a missing segment did not error")
	}
}
