package extract

import (
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/types"
)

// SourceKind says where a copy procedure reads from.
type SourceKind uint8

const (
	// SourceCache reads verbatim from a backing cache file. Used for
	// segments no stage patched.
	SourceCache SourceKind = iota
	// SourceView reads from the view's private, patched buffer.
	SourceView
)

func (k SourceKind) String() string {
	switch k {
	case SourceCache:
		return "cache"
	case SourceView:
		return "view"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(k))
	}
}

// CopyProc is one instruction of the layout plan: read Len bytes from the
// source and write them at DstOffset of the output file.
type CopyProc struct {
	Kind      SourceKind
	UUID      types.UUID // backing file, when Kind == SourceCache
	Buf       []byte     // view buffer, when Kind == SourceView
	SrcOffset uint64     // offset within the source
	DstOffset uint64
	Len       uint64
}

// placement pairs a segment with its destination file offset. Both the
// linkedit rebuild (which bakes file offsets into load commands) and the
// layout planner derive placements from the same rule so they always agree.
type placement struct {
	seg *Segment
	dst uint64
}

// placeSegments packs the view's segments in ascending VM order: the first
// at offset zero, every following one at the next page boundary.
func placeSegments(v *ImageView) []placement {
	segs := make([]*Segment, len(v.Segments()))
	copy(segs, v.Segments())
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })

	var out []placement
	var cursor uint64
	for _, seg := range segs {
		dst := cursor
		if dst != 0 {
			dst = align(dst, pageSize)
		}
		out = append(out, placement{seg: seg, dst: dst})
		cursor = dst + seg.Size
	}
	return out
}

// fileOffsetFor returns the planned output offset of the named segment.
func fileOffsetFor(v *ImageView, name string) (uint64, bool) {
	for _, p := range placeSegments(v) {
		if p.seg.Name == name {
			return p.dst, true
		}
	}
	return 0, false
}

// planLayout emits the copy plan realizing the packed layout. Untouched
// segments are copied straight from their backing cache file; patched ones
// from the view buffers. The destinations must tile [0, fileSize) exactly.
func planLayout(v *ImageView, sr *StageReport) ([]CopyProc, uint64, error) {
	placements := placeSegments(v)

	var plan []CopyProc
	var fileSize uint64
	for _, p := range placements {
		if p.dst > fileSize {
			// pad the alignment gap so the tiling stays exact
			plan = append(plan, CopyProc{
				Kind:      SourceView,
				Buf:       make([]byte, p.dst-fileSize),
				DstOffset: fileSize,
				Len:       p.dst - fileSize,
			})
		}
		proc := CopyProc{
			DstOffset: p.dst,
			Len:       p.seg.Size,
		}
		if p.seg.Dirty() {
			proc.Kind = SourceView
			proc.Buf = p.seg.Bytes()
		} else {
			proc.Kind = SourceCache
			proc.UUID = p.seg.UUID
			proc.SrcOffset = p.seg.FileOffset
		}
		plan = append(plan, proc)
		fileSize = p.dst + p.seg.Size
		sr.Patches++
	}

	if err := checkTiling(plan, fileSize); err != nil {
		return nil, 0, err
	}
	return plan, fileSize, nil
}

// checkTiling verifies the plan's destination ranges are non-overlapping
// and cover [0, fileSize) exactly.
func checkTiling(plan []CopyProc, fileSize uint64) error {
	sorted := make([]CopyProc, len(plan))
	copy(sorted, plan)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DstOffset < sorted[j].DstOffset })

	var cursor uint64
	for _, p := range sorted {
		if p.DstOffset < cursor {
			return &LayoutError{msg: fmt.Sprintf("destination ranges overlap at %#x", p.DstOffset)}
		}
		if p.DstOffset > cursor {
			return &LayoutError{msg: fmt.Sprintf("destination gap at [%#x, %#x)", cursor, p.DstOffset)}
		}
		if p.Kind == SourceView && uint64(len(p.Buf)) < p.Len {
			return &LayoutError{msg: fmt.Sprintf("view source shorter than copy length at %#x", p.DstOffset)}
		}
		cursor += p.Len
	}
	if cursor != fileSize {
		return &LayoutError{msg: fmt.Sprintf("plan covers %#x bytes, output file is %#x", cursor, fileSize)}
	}
	return nil
}
