package extract

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/dscextract/pkg/dsc"
)

func TestPatchRebaseSlotWidth(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data, 0x7FFF_4141_4141)
	v := testView(testSeg("__DATA", 0x8000, data))

	// a 32-bit slot rewrite must leave the adjacent high bytes alone
	if err := patchRebase(v, dsc.Rebase{CacheVMAddress: 0x8000, Target: 0x4242_4242, Width: 4}); err != nil {
		t.Fatal(err)
	}
	got, err := v.Uint64(0x8000)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(0x7FFF_4242_4242); got != want {
		t.Errorf("after 4-byte rebase slot = %#x; want %#x", got, want)
	}

	if err := patchRebase(v, dsc.Rebase{CacheVMAddress: 0x8008, Target: 0x1_8000_4000, Width: 8}); err != nil {
		t.Fatal(err)
	}
	got, err = v.Uint64(0x8008)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1_8000_4000 {
		t.Errorf("after 8-byte rebase slot = %#x; want 0x180004000", got)
	}
}
