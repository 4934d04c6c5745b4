package extract

import (
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
)

func TestADRPRoundTrip(t *testing.T) {
	cases := []struct {
		pc, target uint64
	}{
		{0x180001000, 0x1D0004000},
		{0x1D0004000, 0x180001000}, // negative page delta
		{0x180001234, 0x180001FFF}, // same page
	}
	for _, tc := range cases {
		ins := encodeADRP(16, tc.pc, tc.target)
		rd, page, ok := decodeADRP(ins, tc.pc)
		if !ok {
			t.Fatalf("encodeADRP(%#x, %#x) produced undecodable %#08x", tc.pc, tc.target, ins)
		}
		if rd != 16 {
			t.Errorf("rd = %d; want 16", rd)
		}
		if want := tc.target &^ 0xFFF; page != want {
			t.Errorf("decodeADRP page = %#x; want %#x", page, want)
		}
	}
}

func TestADDImmRoundTrip(t *testing.T) {
	ins := encodeADDImm(16, 17, 0xABC)
	rd, rn, imm, ok := decodeADDImm(ins)
	if !ok {
		t.Fatalf("undecodable %#08x", ins)
	}
	if rd != 16 || rn != 17 || imm != 0xABC {
		t.Errorf("got rd=%d rn=%d imm=%#x; want 16 17 0xabc", rd, rn, imm)
	}
}

func TestLDRImm64RoundTrip(t *testing.T) {
	ins := encodeLDRImm64(16, 16, 0x7F8)
	rt, rn, off, ok := decodeLDRImm64(ins)
	if !ok {
		t.Fatalf("undecodable %#08x", ins)
	}
	if rt != 16 || rn != 16 || off != 0x7F8 {
		t.Errorf("got rt=%d rn=%d off=%#x; want 16 16 0x7f8", rt, rn, off)
	}
}

func TestBranchRoundTrip(t *testing.T) {
	pc := uint64(0x180004000)
	for _, target := range []uint64{0x180008000, 0x180000000} {
		ins, ok := encodeB(pc, target)
		if !ok {
			t.Fatalf("encodeB(%#x, %#x) out of range", pc, target)
		}
		got, ok := decodeB(ins, pc)
		if !ok || got != target {
			t.Errorf("decodeB = %#x, %v; want %#x", got, ok, target)
		}
	}

	// past the +-128MB displacement limit
	if _, ok := encodeB(0x180000000, 0x190000000); ok {
		t.Error("encodeB accepted a displacement past the branch range")
	}
}

func TestClassifyStub(t *testing.T) {
	const nop = 0xD503201F
	pc := uint64(0x180004000)

	cases := []struct {
		name string
		ins  []uint32
		kind StubKind
		ok   bool
	}{
		{
			name: "normal",
			ins: []uint32{
				encodeADRP(16, pc, 0x1D0000000),
				encodeLDRImm64(16, 16, 0x10),
				encodeBR(16),
				nop,
			},
			kind: StubNormal, ok: true,
		},
		{
			name: "optimized",
			ins: []uint32{
				encodeADRP(16, pc, 0x1D0000000),
				encodeADDImm(16, 16, 0x40),
				encodeBR(16),
				nop,
			},
			kind: StubOptimized, ok: true,
		},
		{
			name: "auth",
			ins: []uint32{
				encodeADRP(17, pc, 0x1D0000000),
				encodeADDImm(17, 17, 0x40),
				encodeLDRImm64(16, 17, 0),
				0xD71F0800 | 16<<5 | 17, // braa x16, x17
			},
			kind: StubAuth, ok: true,
		},
		{
			name: "resolver",
			ins:  []uint32{0x14000010, nop, nop, nop}, // b +0x40
			kind: StubResolver, ok: true,
		},
		{
			name: "all nops",
			ins:  []uint32{nop, nop, nop, nop},
		},
		{
			name: "truncated",
			ins:  []uint32{encodeADRP(16, pc, 0x1D0000000)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := classifyStub(tc.ins)
			if ok != tc.ok {
				t.Fatalf("classifyStub ok = %v; want %v", ok, tc.ok)
			}
			if ok && kind != tc.kind {
				t.Errorf("classifyStub = %s; want %s", kind, tc.kind)
			}
		})
	}
}

func TestResolveStubUnknownEncodingWarnsAndContinues(t *testing.T) {
	seg := testSeg("__TEXT", 0x4000, make([]byte, 0x40))
	v := testView(seg)
	for i := uint64(0); i < 4; i++ {
		if err := v.PatchUint32(0x4000+i*4, 0xD503201F); err != nil {
			t.Fatal(err)
		}
	}
	seg.dirty = false

	exports, err := lru.New[uint32, map[uint64]string](4)
	if err != nil {
		t.Fatal(err)
	}
	var sr StageReport
	if err := resolveStub(v, &sr, 0x4000, 16, nil, exports); err != nil {
		t.Fatal(err)
	}
	if len(sr.Warnings) != 1 {
		t.Fatalf("warnings = %d; want 1", len(sr.Warnings))
	}
	if seg.Dirty() {
		t.Error("unknown stub was modified")
	}
}

func TestRewriteStubThroughLocalSlot(t *testing.T) {
	v := testView(testSeg("__TEXT", 0x4000, make([]byte, 0x40)))

	target := uint64(0x1D0000000) // shared text, outside the image
	slot := uint64(0x4020)
	slots := map[uint64]uint64{target: slot}

	exports, err := lru.New[uint32, map[uint64]string](4)
	if err != nil {
		t.Fatal(err)
	}
	var sr StageReport
	if err := rewriteStub(v, &sr, 0x4000, StubOptimized, target, 16, slots, exports); err != nil {
		t.Fatal(err)
	}
	if sr.Patches != 1 {
		t.Fatalf("patches = %d; want 1", sr.Patches)
	}

	w0, _ := v.Uint32(0x4000)
	w1, _ := v.Uint32(0x4004)
	w2, _ := v.Uint32(0x4008)
	w3, _ := v.Uint32(0x400C)

	if _, page, ok := decodeADRP(w0, 0x4000); !ok || page != slot&^0xFFF {
		t.Errorf("word 0 = %#08x; want adrp to slot page %#x", w0, slot&^0xFFF)
	}
	if _, _, off, ok := decodeLDRImm64(w1); !ok || off != slot&0xFFF {
		t.Errorf("word 1 = %#08x; want ldr with offset %#x", w1, slot&0xFFF)
	}
	if !isBR(w2) {
		t.Errorf("word 2 = %#08x; want br x16", w2)
	}
	if w3 != 0xD503201F {
		t.Errorf("word 3 = %#08x; want nop padding", w3)
	}
}

func TestRewriteStubDirectBranchInImage(t *testing.T) {
	v := testView(testSeg("__TEXT", 0x4000, make([]byte, 0x100)))

	var sr StageReport
	if err := rewriteStub(v, &sr, 0x4000, StubOptimized, 0x4080, 16, nil, nil); err != nil {
		t.Fatal(err)
	}
	w0, _ := v.Uint32(0x4000)
	got, ok := decodeB(w0, 0x4000)
	if !ok || got != 0x4080 {
		t.Errorf("word 0 = %#08x decodes to %#x; want direct branch to 0x4080", w0, got)
	}
}
