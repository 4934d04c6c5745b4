package extract

import (
	"testing"

	"github.com/pkg/errors"
)

func TestPlaceSegments(t *testing.T) {
	v := testView(
		testSeg("__DATA", 0x8000, make([]byte, 0x100)),
		testSeg("__TEXT", 0x4000, make([]byte, 0x20)),
		testSeg("__LINKEDIT", 0xC000, make([]byte, 0x80)),
	)

	got := placeSegments(v)
	want := []struct {
		name string
		dst  uint64
	}{
		{"__TEXT", 0},
		{"__DATA", pageSize},
		{"__LINKEDIT", 2 * pageSize},
	}
	if len(got) != len(want) {
		t.Fatalf("placed %d segments; want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].seg.Name != w.name || got[i].dst != w.dst {
			t.Errorf("placement[%d] = %s@%#x; want %s@%#x", i, got[i].seg.Name, got[i].dst, w.name, w.dst)
		}
	}
}

func TestPlanLayoutTilesOutput(t *testing.T) {
	text := testSeg("__TEXT", 0x4000, make([]byte, 0x20))
	data := testSeg("__DATA", 0x8000, make([]byte, 0x100))
	data.dirty = true
	v := testView(text, data)

	var sr StageReport
	plan, size, err := planLayout(v, &sr)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(pageSize + 0x100); size != want {
		t.Errorf("fileSize = %#x; want %#x", size, want)
	}

	// exact tiling of [0, size): no gaps, no overlap
	var cursor uint64
	for i, p := range plan {
		if p.DstOffset != cursor {
			t.Fatalf("proc %d starts at %#x; want %#x", i, p.DstOffset, cursor)
		}
		cursor += p.Len
	}
	if cursor != size {
		t.Errorf("plan covers %#x bytes; want %#x", cursor, size)
	}

	// untouched segments read from the cache, patched ones from the view
	for _, p := range plan {
		switch p.DstOffset {
		case 0:
			if p.Kind != SourceCache {
				t.Errorf("clean __TEXT copied from %s; want cache", p.Kind)
			}
		case pageSize:
			if p.Kind != SourceView {
				t.Errorf("dirty __DATA copied from %s; want view", p.Kind)
			}
		}
	}
}

func TestPlanLayoutDeterministic(t *testing.T) {
	v := testView(
		testSeg("__TEXT", 0x4000, make([]byte, 0x31)),
		testSeg("__DATA", 0x8000, make([]byte, 0x77)),
	)

	var sr1, sr2 StageReport
	plan1, size1, err := planLayout(v, &sr1)
	if err != nil {
		t.Fatal(err)
	}
	plan2, size2, err := planLayout(v, &sr2)
	if err != nil {
		t.Fatal(err)
	}
	if size1 != size2 || len(plan1) != len(plan2) {
		t.Fatalf("replanning changed the layout: %#x/%d vs %#x/%d", size1, len(plan1), size2, len(plan2))
	}
	for i := range plan1 {
		if plan1[i].DstOffset != plan2[i].DstOffset || plan1[i].Len != plan2[i].Len {
			t.Errorf("proc %d moved between plans", i)
		}
	}
}

func TestCheckTiling(t *testing.T) {
	cases := []struct {
		name string
		plan []CopyProc
		size uint64
		ok   bool
	}{
		{
			name: "exact",
			plan: []CopyProc{
				{Kind: SourceCache, DstOffset: 0, Len: 0x10},
				{Kind: SourceCache, DstOffset: 0x10, Len: 0x10},
			},
			size: 0x20,
			ok:   true,
		},
		{
			name: "gap",
			plan: []CopyProc{
				{Kind: SourceCache, DstOffset: 0, Len: 0x10},
				{Kind: SourceCache, DstOffset: 0x20, Len: 0x10},
			},
			size: 0x30,
		},
		{
			name: "overlap",
			plan: []CopyProc{
				{Kind: SourceCache, DstOffset: 0, Len: 0x18},
				{Kind: SourceCache, DstOffset: 0x10, Len: 0x10},
			},
			size: 0x20,
		},
		{
			name: "short of file size",
			plan: []CopyProc{
				{Kind: SourceCache, DstOffset: 0, Len: 0x10},
			},
			size: 0x20,
		},
		{
			name: "view buffer shorter than copy",
			plan: []CopyProc{
				{Kind: SourceView, Buf: make([]byte, 4), DstOffset: 0, Len: 0x10},
			},
			size: 0x10,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkTiling(tc.plan, tc.size)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var le *LayoutError
			if !errors.As(err, &le) {
				t.Fatalf("got %v; want *LayoutError", err)
			}
		})
	}
}
