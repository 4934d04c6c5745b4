package extract

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/dscextract/pkg/dsc"
)

func addSection(m *macho.File, seg, name string, addr, size uint64) {
	m.Sections = append(m.Sections, &types.Section{
		SectionHeader: types.SectionHeader{
			Name: name,
			Seg:  seg,
			Addr: addr,
			Size: size,
		},
	})
}

func TestCommitStringsBuildsLocalPool(t *testing.T) {
	v := testView(testSeg("__DATA", 0x4000, make([]byte, 0x20)))

	r := &repairer{
		v:  v,
		sr: &StageReport{},
		needs: map[string][]uint64{
			"init":  {0x4000},
			"alloc": {0x4008, 0x4010},
		},
	}
	if err := r.commitStrings(); err != nil {
		t.Fatal(err)
	}

	pool := v.Segment("__objc_methname")
	if pool == nil {
		t.Fatal("no local string pool segment allocated")
	}
	// pool entries are sorted, so "alloc" comes first
	data := pool.Bytes()
	if string(data) != "alloc\x00init\x00" {
		t.Errorf("pool = %q; want alloc and init NUL terminated", data)
	}

	allocAddr := pool.Addr
	initAddr := pool.Addr + 6
	for slot, want := range map[uint64]uint64{
		0x4000: initAddr,
		0x4008: allocAddr,
		0x4010: allocAddr,
	} {
		got, err := v.Uint64(slot)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("slot %#x = %#x; want %#x", slot, got, want)
		}
	}
	if r.sr.Patches != 3 {
		t.Errorf("patches = %d; want 3", r.sr.Patches)
	}
}

func TestRepairObjCCrossImageClassWarns(t *testing.T) {
	data := make([]byte, 0x40)
	// one classlist entry pointing into another image
	binary.LittleEndian.PutUint64(data, 0x1D0000000)
	v := testView(testSeg("__DATA", 0x4000, data))

	m := &macho.File{}
	addSection(m, "__DATA", "__objc_classlist", 0x4000, 8)
	v.m = m

	var sr StageReport
	if err := repairObjC(v, &sr); err != nil {
		t.Fatal(err)
	}
	if len(sr.Warnings) != 1 {
		t.Fatalf("warnings = %d; want 1", len(sr.Warnings))
	}
}

func TestRepairObjCProtocolCycleTerminates(t *testing.T) {
	seg := testSeg("__DATA", 0x4000, make([]byte, 0x200))
	v := testView(seg)
	bo := binary.LittleEndian

	protoAddr := uint64(0x4080)
	listAddr := uint64(0x4100)
	nameAddr := uint64(0x4180)

	copy(seg.data[nameAddr-0x4000:], "MyProto\x00")

	// protolist section entry -> protocol
	bo.PutUint64(seg.data[0:], protoAddr)
	// protocol_t: name in-image, protocol list pointing back at itself
	bo.PutUint64(seg.data[protoAddr-0x4000+protoName:], nameAddr)
	bo.PutUint64(seg.data[protoAddr-0x4000+protoProtocols:], listAddr)
	// protocol_list_t: count 1, entry is the same protocol again
	bo.PutUint64(seg.data[listAddr-0x4000:], 1)
	bo.PutUint64(seg.data[listAddr-0x4000+8:], protoAddr)

	m := &macho.File{}
	addSection(m, "__DATA", "__objc_protolist", 0x4000, 8)
	v.m = m

	var sr StageReport
	if err := repairObjC(v, &sr); err != nil {
		t.Fatal(err)
	}
	// everything resolved in-image: nothing rewritten, nothing warned
	if len(sr.Warnings) != 0 || sr.Patches != 0 {
		t.Errorf("warnings=%d patches=%d; want 0 0", len(sr.Warnings), sr.Patches)
	}
}

func TestRepairObjCMapsLocalStringPool(t *testing.T) {
	base := uint64(0x4000)
	bo := binary.LittleEndian

	hdr := make([]byte, 0x100)
	bo.PutUint32(hdr[0:], uint32(types.Magic64))
	v := testView(
		testSeg("__TEXT", base, hdr),
		testSeg("__DATA", 0x8000, make([]byte, 0x20)),
	)
	v.image.CacheImageTextInfo = dsc.CacheImageTextInfo{LoadAddress: base}

	r := &repairer{
		v:     v,
		sr:    &StageReport{},
		needs: map[string][]uint64{"alloc": {0x8000}},
	}
	if err := r.commitStrings(); err != nil {
		t.Fatal(err)
	}
	if err := r.mapStringPool(); err != nil {
		t.Fatal(err)
	}

	pool := v.Segment("__objc_methname")
	if pool == nil {
		t.Fatal("no local string pool segment allocated")
	}

	ncmds, _ := v.Uint32(base + 16)
	sizeofcmds, _ := v.Uint32(base + 20)
	if ncmds != 1 || sizeofcmds != segmentCmd64Size {
		t.Fatalf("header = %d cmds / %d bytes; want the pool's segment command", ncmds, sizeofcmds)
	}

	var found bool
	err := walkLoadCommands(v, func(cmd types.LoadCmd, addr uint64, size uint32) error {
		if cmd != types.LC_SEGMENT_64 {
			return nil
		}
		nameBytes, err := v.Read(addr+8, 16)
		if err != nil {
			return err
		}
		if string(bytes.Trim(nameBytes, "\x00")) != "__objc_methname" {
			return nil
		}
		found = true
		vmaddr, _ := v.Uint64(addr + 24)
		vmsize, _ := v.Uint64(addr + 32)
		fileoff, _ := v.Uint64(addr + 40)
		filesize, _ := v.Uint64(addr + 48)
		if vmaddr != pool.Addr || vmsize != pool.VMSize {
			t.Errorf("pool command maps [%#x, +%#x); want [%#x, +%#x)", vmaddr, vmsize, pool.Addr, pool.VMSize)
		}
		if filesize != pool.Size {
			t.Errorf("pool command filesize = %#x; want %#x", filesize, pool.Size)
		}
		if want, ok := fileOffsetFor(v, "__objc_methname"); !ok || fileoff != want {
			t.Errorf("pool command fileoff = %#x; want %#x", fileoff, want)
		}
		// the repointed slot must land inside the mapped range
		slot, _ := v.Uint64(0x8000)
		if slot < vmaddr || slot >= vmaddr+vmsize {
			t.Errorf("repointed slot %#x falls outside the pool mapping", slot)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("no load command maps the local string pool")
	}
}

func TestRepairMethodListSmallEntriesUntouched(t *testing.T) {
	seg := testSeg("__DATA", 0x4000, make([]byte, 0x40))
	v := testView(seg)
	bo := binary.LittleEndian

	bo.PutUint32(seg.data[0:], smallMethodListFlag|12) // relative entries
	bo.PutUint32(seg.data[4:], 2)

	r := &repairer{v: v, sr: &StageReport{}, needs: map[string][]uint64{}}
	if err := r.repairMethodList(0x4000); err != nil {
		t.Fatal(err)
	}
	if len(r.needs) != 0 {
		t.Errorf("relative method list queued %d string fixups; want 0", len(r.needs))
	}
}
