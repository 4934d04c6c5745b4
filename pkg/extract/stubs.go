package extract

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blacktop/dscextract/pkg/dsc"
)

// StubKind classifies the arm64 stub encodings the cache builder emits.
// The set is closed; anything else is reported, skipped, and left as-is.
type StubKind uint8

const (
	// StubNormal loads a pointer slot and branches through it.
	// ADRP x16, page; LDR x16, [x16, #off]; BR x16
	StubNormal StubKind = iota
	// StubOptimized branches straight into shared text, skipping the
	// pointer load. Only valid inside the cache.
	// ADRP x16, page; ADD x16, x16, #off; BR x16
	StubOptimized
	// StubAuth loads and authenticates a signed pointer slot.
	// ADRP x17, page; ADD x17, x17, #off; LDR x16, [x17]; BRAA x16, x17
	StubAuth
	// StubResolver is a bare direct branch (branch island).
	// B target
	StubResolver
)

func (k StubKind) String() string {
	switch k {
	case StubNormal:
		return "normal"
	case StubOptimized:
		return "optimized"
	case StubAuth:
		return "auth"
	case StubResolver:
		return "resolver"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(k))
	}
}

// stubSections are the only section names stubs live in.
var stubSections = map[string]bool{
	"__stubs":      true,
	"__auth_stubs": true,
}

// pointer slot sections a rewritten stub may branch through
var slotSections = map[string]bool{
	"__got":           true,
	"__auth_got":      true,
	"__la_symbol_ptr": true,
	"__auth_ptr":      true,
	"__nl_symbol_ptr": true,
}

// resolveStubs rewrites cache-optimized stubs into forms valid outside the
// cache. Direct-to-shared-text branches become pointer-slot loads through
// the image's own got/lazy sections, or direct branches when the target is
// in-image. An unrecognized encoding produces one warning and the rest of
// the section is still processed.
func resolveStubs(v *ImageView, sr *StageReport) error {
	m := v.MachO()

	// post-rebase pointer slots, keyed by the unslid target they hold
	slots := make(map[uint64]uint64)
	for _, sec := range m.Sections {
		if !slotSections[sec.Name] {
			continue
		}
		for off := uint64(0); off+8 <= sec.Size; off += 8 {
			val, err := v.Uint64(sec.Addr + off)
			if err != nil {
				break
			}
			if val != 0 {
				if _, ok := slots[val]; !ok {
					slots[val] = sec.Addr + off
				}
			}
		}
	}

	exports, err := lru.New[uint32, map[uint64]string](64)
	if err != nil {
		return err
	}

	for _, sec := range m.Sections {
		if !stubSections[sec.Name] {
			continue
		}
		entsize := uint64(sec.Reserved2)
		if entsize == 0 {
			entsize = 16
		}
		count := sec.Size / entsize

		for i := uint64(0); i < count; i++ {
			addr := sec.Addr + i*entsize
			if err := resolveStub(v, sr, addr, entsize, slots, exports); err != nil {
				return err
			}
		}
	}

	return nil
}

func resolveStub(v *ImageView, sr *StageReport, addr, entsize uint64, slots map[uint64]uint64, exports *lru.Cache[uint32, map[uint64]string]) error {
	ins := make([]uint32, 0, 4)
	for off := uint64(0); off < entsize && off < 16; off += 4 {
		word, err := v.Uint32(addr + off)
		if err != nil {
			return err
		}
		ins = append(ins, word)
	}

	kind, ok := classifyStub(ins)
	if !ok {
		sr.Warnf("unrecognized stub encoding %#08x at %#x", ins[0], addr)
		return nil
	}

	switch kind {
	case StubNormal:
		// already loads through a pointer slot; the rebase stage fixed
		// the slot value, nothing to rewrite
		sr.Patches++
		return nil

	case StubResolver:
		target, _ := decodeB(ins[0], addr)
		if v.Contains(target) {
			sr.Patches++
			return nil
		}
		return rewriteStub(v, sr, addr, kind, target, 16, slots, exports)

	case StubOptimized:
		_, page, _ := decodeADRP(ins[0], addr)
		_, _, imm, _ := decodeADDImm(ins[1])
		return rewriteStub(v, sr, addr, kind, page+imm, 16, slots, exports)

	case StubAuth:
		_, page, _ := decodeADRP(ins[0], addr)
		_, _, imm, _ := decodeADDImm(ins[1])
		slot := page + imm
		if v.Contains(slot) {
			sr.Patches++
			return nil
		}
		target, err := v.Cache().ReadPointerAtAddr(slot)
		if err != nil {
			sr.Warnf("auth stub at %#x loads unmapped slot %#x", addr, slot)
			return nil
		}
		return rewriteStub(v, sr, addr, kind, target, 16, slots, exports)
	}
	return nil
}

// rewriteStub re-encodes the stub at addr to reach target without cache
// assistance.
func rewriteStub(v *ImageView, sr *StageReport, addr uint64, kind StubKind, target, entsize uint64, slots map[uint64]uint64, exports *lru.Cache[uint32, map[uint64]string]) error {
	if slot, ok := slots[target]; ok {
		// normal form through the image's own pointer slot
		words := []uint32{
			encodeADRP(16, addr, slot),
			encodeLDRImm64(16, 16, slot&0xFFF),
			encodeBR(16),
		}
		if err := patchStubWords(v, addr, words, entsize); err != nil {
			return err
		}
		sr.Patches++
		return nil
	}

	if v.Contains(target) {
		if b, ok := encodeB(addr, target); ok {
			if err := patchStubWords(v, addr, []uint32{b}, entsize); err != nil {
				return err
			}
		} else {
			words := []uint32{
				encodeADRP(16, addr, target),
				encodeADDImm(16, 16, target&0xFFF),
				encodeBR(16),
			}
			if err := patchStubWords(v, addr, words, entsize); err != nil {
				return err
			}
		}
		sr.Patches++
		return nil
	}

	name := symbolicate(v.Cache(), exports, target)
	sr.Warnf("%s stub at %#x targets %#x (%s) outside the image and has no local pointer slot", kind, addr, target, name)
	return nil
}

// patchStubWords writes the rewritten instructions, padding the rest of the
// stub entry with NOPs.
func patchStubWords(v *ImageView, addr uint64, words []uint32, entsize uint64) error {
	const nop = 0xD503201F
	for i := uint64(0); i < entsize/4; i++ {
		word := uint32(nop)
		if int(i) < len(words) {
			word = words[i]
		}
		if err := v.PatchUint32(addr+i*4, word); err != nil {
			return err
		}
	}
	return nil
}

// symbolicate names a cross-image branch target via the owning image's
// export trie. Parsed tries are cached per image index since many stubs
// in one image target the same few system dylibs.
func symbolicate(f *dsc.File, cache *lru.Cache[uint32, map[uint64]string], target uint64) string {
	image, err := f.ImageAt(target)
	if err != nil {
		return "unknown"
	}
	byAddr, ok := cache.Get(image.Index)
	if !ok {
		byAddr = make(map[uint64]string)
		if exports, err := image.GetExportedSymbols(); err == nil {
			for _, e := range exports {
				byAddr[e.Address] = e.Name
			}
		}
		cache.Add(image.Index, byAddr)
	}
	if name, ok := byAddr[target]; ok {
		return fmt.Sprintf("%s in %s", name, image.BaseName())
	}
	return fmt.Sprintf("%s+%#x", image.BaseName(), target-image.Base())
}

// classifyStub matches the instruction words against the known encodings.
func classifyStub(ins []uint32) (StubKind, bool) {
	if len(ins) == 0 {
		return 0, false
	}
	if _, ok := decodeB(ins[0], 0); ok {
		return StubResolver, true
	}
	if len(ins) < 3 {
		return 0, false
	}
	if _, _, ok := decodeADRP(ins[0], 0); !ok {
		return 0, false
	}
	if _, _, _, ok := decodeLDRImm64(ins[1]); ok {
		if isBR(ins[2]) {
			return StubNormal, true
		}
		return 0, false
	}
	if _, _, _, ok := decodeADDImm(ins[1]); ok {
		if isBR(ins[2]) {
			return StubOptimized, true
		}
		if len(ins) >= 4 {
			if _, _, _, ok := decodeLDRImm64(ins[2]); ok && isBRAA(ins[3]) {
				return StubAuth, true
			}
		}
	}
	return 0, false
}

// arm64 instruction helpers; only the handful of fixed patterns stubs use.

func decodeADRP(ins uint32, pc uint64) (rd int, page uint64, ok bool) {
	if ins&0x9F000000 != 0x90000000 {
		return 0, 0, false
	}
	immlo := uint64(ins>>29) & 3
	immhi := uint64(ins>>5) & 0x7FFFF
	imm := int64((immhi<<2|immlo)<<43) >> 43 // sign extend 21 bits
	return int(ins & 0x1F), uint64(int64(pc&^0xFFF) + imm*0x1000), true
}

func encodeADRP(rd int, pc, target uint64) uint32 {
	pages := (int64(target&^0xFFF) - int64(pc&^0xFFF)) >> 12
	immlo := uint32(pages) & 3
	immhi := uint32(pages>>2) & 0x7FFFF
	return 0x90000000 | immlo<<29 | immhi<<5 | uint32(rd)
}

func decodeADDImm(ins uint32) (rd, rn int, imm uint64, ok bool) {
	if ins&0xFF800000 != 0x91000000 {
		return 0, 0, 0, false
	}
	imm = uint64(ins>>10) & 0xFFF
	if ins&(1<<22) != 0 {
		imm <<= 12
	}
	return int(ins & 0x1F), int(ins>>5) & 0x1F, imm, true
}

func encodeADDImm(rd, rn int, imm uint64) uint32 {
	return 0x91000000 | uint32(imm&0xFFF)<<10 | uint32(rn)<<5 | uint32(rd)
}

func decodeLDRImm64(ins uint32) (rt, rn int, off uint64, ok bool) {
	if ins&0xFFC00000 != 0xF9400000 {
		return 0, 0, 0, false
	}
	return int(ins & 0x1F), int(ins>>5) & 0x1F, (uint64(ins>>10) & 0xFFF) * 8, true
}

func encodeLDRImm64(rt, rn int, off uint64) uint32 {
	return 0xF9400000 | uint32(off/8)<<10 | uint32(rn)<<5 | uint32(rt)
}

func encodeBR(rn int) uint32 {
	return 0xD61F0000 | uint32(rn)<<5
}

func isBR(ins uint32) bool {
	return ins&0xFFFFFC1F == 0xD61F0000
}

func isBRAA(ins uint32) bool {
	return ins&0xFFFFFC00 == 0xD71F0800
}

func decodeB(ins uint32, pc uint64) (target uint64, ok bool) {
	if ins&0xFC000000 != 0x14000000 {
		return 0, false
	}
	imm := int64(ins&0x03FFFFFF) << 38 >> 38 // sign extend 26 bits
	return uint64(int64(pc) + imm*4), true
}

func encodeB(pc, target uint64) (uint32, bool) {
	delta := int64(target) - int64(pc)
	if delta < -(1<<27) || delta >= 1<<27 {
		return 0, false
	}
	return 0x14000000 | uint32(delta/4)&0x03FFFFFF, true
}
