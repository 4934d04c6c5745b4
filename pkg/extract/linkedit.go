package extract

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000

	redactedName = "<redacted>"

	nlist64Size = 16
)

// walkLoadCommands iterates the raw load commands in the view's header.
// addr is the VM address of each command's first byte.
func walkLoadCommands(v *ImageView, fn func(cmd types.LoadCmd, addr uint64, size uint32) error) error {
	base := v.Image().Base()
	ncmds, err := v.Uint32(base + 16)
	if err != nil {
		return err
	}
	off := base + 32 // sizeof(mach_header_64)
	for i := uint32(0); i != ncmds; i++ {
		cmd, err := v.Uint32(off)
		if err != nil {
			return err
		}
		size, err := v.Uint32(off + 4)
		if err != nil {
			return err
		}
		if size < 8 {
			return formatError(off, "load command shorter than its own header, size", size)
		}
		if err := fn(types.LoadCmd(cmd), off, size); err != nil {
			return err
		}
		off += uint64(size)
	}
	return nil
}

const segmentCmd64Size = 72

// addSegmentCommand appends a sectionless LC_SEGMENT_64 to the header,
// using the padding the linker leaves between the load commands and the
// first section's contents.
func addSegmentCommand(v *ImageView, seg *Segment, fileoff uint64) error {
	base := v.Image().Base()
	ncmds, err := v.Uint32(base + 16)
	if err != nil {
		return err
	}
	sizeofcmds, err := v.Uint32(base + 20)
	if err != nil {
		return err
	}
	end := base + 32 + uint64(sizeofcmds)

	if m := v.MachO(); m != nil {
		var firstSection uint64
		for _, sec := range m.Sections {
			if sec.Addr >= end && (firstSection == 0 || sec.Addr < firstSection) {
				firstSection = sec.Addr
			}
		}
		if firstSection != 0 && end+segmentCmd64Size > firstSection {
			return errors.Errorf("no header padding left in %s for another load command", v.Image().BaseName())
		}
	}

	bo := v.ByteOrder()
	var b [segmentCmd64Size]byte
	bo.PutUint32(b[0:], uint32(types.LC_SEGMENT_64))
	bo.PutUint32(b[4:], segmentCmd64Size)
	copy(b[8:24], seg.Name)
	bo.PutUint64(b[24:], seg.Addr)
	bo.PutUint64(b[32:], seg.VMSize)
	bo.PutUint64(b[40:], fileoff)
	bo.PutUint64(b[48:], seg.Size)
	bo.PutUint32(b[56:], uint32(seg.Prot)) // maxprot
	bo.PutUint32(b[60:], uint32(seg.Prot)) // initprot
	if err := v.Patch(end, b[:]); err != nil {
		return err
	}
	if err := v.PatchUint32(base+16, ncmds+1); err != nil {
		return err
	}
	return v.PatchUint32(base+20, sizeofcmds+segmentCmd64Size)
}

// symtabInfo is the subset of LC_SYMTAB/LC_DYSYMTAB the rebuild needs,
// read from the raw load commands rather than the parsed Mach-O so that
// linkedit living in a different backing file is handled uniformly.
type symtabInfo struct {
	symtabLC   uint64 // VM address of LC_SYMTAB
	dysymtabLC uint64 // VM address of LC_DYSYMTAB, 0 if absent
	symoff     uint32
	nsyms      uint32
	stroff     uint32
	strsize    uint32
	indoff     uint32
	nind       uint32
}

func readSymtabInfo(v *ImageView) (*symtabInfo, error) {
	var info symtabInfo
	err := walkLoadCommands(v, func(cmd types.LoadCmd, addr uint64, size uint32) error {
		switch cmd {
		case types.LC_SYMTAB:
			info.symtabLC = addr
			info.symoff, _ = v.Uint32(addr + 8)
			info.nsyms, _ = v.Uint32(addr + 12)
			info.stroff, _ = v.Uint32(addr + 16)
			info.strsize, _ = v.Uint32(addr + 20)
		case types.LC_DYSYMTAB:
			info.dysymtabLC = addr
			info.indoff, _ = v.Uint32(addr + 56)
			info.nind, _ = v.Uint32(addr + 60)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info.symtabLC == 0 {
		return nil, nil
	}
	return &info, nil
}

// readLinkeditBlob reads size bytes at a linkedit file offset, resolving
// which backing file actually holds the shared linkedit region.
func readLinkeditBlob(v *ImageView, off, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	addr, err := v.Cache().GetVMAddressForUUID(uint64(off))
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := v.Cache().ReadAtAddr(data, addr); err != nil {
		return nil, err
	}
	return data, nil
}

type symEntry struct {
	name string
	nl   types.Nlist64
}

// rebuildLinkedit re-synthesizes a private __LINKEDIT: the image's own
// locals merged with the cache symtab entries that belong to it, a
// re-offset string pool, a remapped indirect symbol table, and verbatim
// copies of the function starts, data-in-code, and export trie blobs. Load
// command offsets are rewritten against the planned output layout.
func rebuildLinkedit(v *ImageView, sr *StageReport) error {
	image := v.Image()

	info, err := readSymtabInfo(v)
	if err != nil {
		return err
	}
	if info == nil {
		sr.Warnf("%s has no symbol table", image.BaseName())
		return nil
	}

	// real names for entries the cache builder redacted
	realName := make(map[uint64]string, len(image.LocalSymbols))
	for _, lsym := range image.LocalSymbols {
		realName[lsym.Value] = lsym.Name
	}
	if exports, err := image.GetExportedSymbols(); err == nil {
		for _, e := range exports {
			if _, ok := realName[e.Address]; !ok {
				realName[e.Address] = e.Name
			}
		}
	}

	oldNlists, oldPool, err := readOldSymtab(v, info)
	if err != nil {
		return err
	}

	// classify while remembering where each old entry lands
	var locals, extdefs, undefs []symEntry
	bucketOf := make([]int, len(oldNlists))
	posOf := make([]int, len(oldNlists))
	present := make(map[string]bool, len(oldNlists))

	for i, nl := range oldNlists {
		name, err := cstringAt(oldPool, nl.Name)
		if err != nil {
			return formatError(uint64(info.stroff), "symbol string offset outside the string pool, index", nl.Name)
		}
		if name == redactedName {
			if n, ok := realName[nl.Value]; ok {
				name = n
				sr.Patches++
			}
		}
		e := symEntry{name: name, nl: nl}
		switch {
		case nl.Type.IsUndefinedSym():
			bucketOf[i], posOf[i] = 2, len(undefs)
			undefs = append(undefs, e)
		case nl.Type.IsExternalSym():
			bucketOf[i], posOf[i] = 1, len(extdefs)
			extdefs = append(extdefs, e)
		default:
			bucketOf[i], posOf[i] = 0, len(locals)
			locals = append(locals, e)
		}
		present[name] = true
	}

	// private symbols stored only in the unmapped locals region
	for _, lsym := range image.LocalSymbols {
		if present[lsym.Name] {
			continue
		}
		locals = append(locals, symEntry{name: lsym.Name, nl: lsym.Nlist64})
		sr.Patches++
	}

	ilocal, nlocal := uint32(0), uint32(len(locals))
	iextdef, nextdef := nlocal, uint32(len(extdefs))
	iundef, nundef := nlocal+nextdef, uint32(len(undefs))
	all := make([]symEntry, 0, nlocal+nextdef+nundef)
	all = append(all, locals...)
	all = append(all, extdefs...)
	all = append(all, undefs...)

	newIdx := func(old uint32) uint32 {
		switch bucketOf[old] {
		case 0:
			return ilocal + uint32(posOf[old])
		case 1:
			return iextdef + uint32(posOf[old])
		default:
			return iundef + uint32(posOf[old])
		}
	}

	// remap the indirect table; stub resolution depends on these ordinals
	// surviving the reorder
	indirect, err := readIndirectTable(v, info)
	if err != nil {
		return err
	}
	for i, x := range indirect {
		if x&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
			continue
		}
		if x >= uint32(len(oldNlists)) {
			sr.Warnf("indirect symbol %d references out-of-range ordinal %d", i, x)
			indirect[i] = indirectSymbolLocal
			continue
		}
		indirect[i] = newIdx(x)
	}

	// blobs carried over verbatim
	var funcStarts, dataInCode, exportTrie []byte
	var funcStartsLC, dataInCodeLC, exportsTrieLC, dyldInfoLC, codeSigLC uint64
	err = walkLoadCommands(v, func(cmd types.LoadCmd, addr uint64, size uint32) error {
		switch cmd {
		case types.LC_FUNCTION_STARTS:
			funcStartsLC = addr
			off, _ := v.Uint32(addr + 8)
			sz, _ := v.Uint32(addr + 12)
			funcStarts, _ = readLinkeditBlob(v, off, sz)
		case types.LC_DATA_IN_CODE:
			dataInCodeLC = addr
			off, _ := v.Uint32(addr + 8)
			sz, _ := v.Uint32(addr + 12)
			dataInCode, _ = readLinkeditBlob(v, off, sz)
		case types.LC_DYLD_EXPORTS_TRIE:
			exportsTrieLC = addr
			off, _ := v.Uint32(addr + 8)
			sz, _ := v.Uint32(addr + 12)
			exportTrie, _ = readLinkeditBlob(v, off, sz)
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			dyldInfoLC = addr
			off, _ := v.Uint32(addr + 40)
			sz, _ := v.Uint32(addr + 44)
			if exportTrie == nil {
				exportTrie, _ = readLinkeditBlob(v, off, sz)
			}
		case types.LC_CODE_SIGNATURE:
			codeSigLC = addr
		}
		return nil
	})
	if err != nil {
		return err
	}

	// assemble the private linkedit
	var pool bytes.Buffer
	pool.WriteByte(0)
	strx := make(map[string]uint32)
	addString := func(s string) uint32 {
		if off, ok := strx[s]; ok {
			return off
		}
		off := uint32(pool.Len())
		pool.WriteString(s)
		pool.WriteByte(0)
		strx[s] = off
		return off
	}

	nlists := make([]types.Nlist64, len(all))
	for i, e := range all {
		nl := e.nl
		nl.Name = addString(e.name)
		nlists[i] = nl
	}

	var blob bytes.Buffer
	put := func(b []byte, alignTo int) uint32 {
		for blob.Len()%alignTo != 0 {
			blob.WriteByte(0)
		}
		off := uint32(blob.Len())
		blob.Write(b)
		return off
	}

	funcStartsOff := put(funcStarts, 8)
	dataInCodeOff := put(dataInCode, 8)
	exportTrieOff := put(exportTrie, 8)

	var nlistBytes bytes.Buffer
	if err := binary.Write(&nlistBytes, v.ByteOrder(), nlists); err != nil {
		return err
	}
	symOff := put(nlistBytes.Bytes(), 8)

	var indBytes bytes.Buffer
	if err := binary.Write(&indBytes, v.ByteOrder(), indirect); err != nil {
		return err
	}
	indOff := put(indBytes.Bytes(), 4)
	strOff := put(pool.Bytes(), 8)

	if err := v.ReplaceSegmentData("__LINKEDIT", blob.Bytes()); err != nil {
		return err
	}

	// bake the packed output layout into the load commands
	linkeditDst, ok := fileOffsetFor(v, "__LINKEDIT")
	if !ok {
		return errors.Errorf("%s has no __LINKEDIT segment", image.BaseName())
	}
	ldst := uint32(linkeditDst)

	patch32 := func(addr uint64, vals ...uint32) error {
		for i, val := range vals {
			if err := v.PatchUint32(addr+uint64(i)*4, val); err != nil {
				return err
			}
		}
		return nil
	}

	if err := patch32(info.symtabLC+8,
		ldst+symOff, uint32(len(nlists)),
		ldst+strOff, uint32(pool.Len())); err != nil {
		return err
	}
	if info.dysymtabLC != 0 {
		if err := patch32(info.dysymtabLC+8,
			ilocal, nlocal, iextdef, nextdef, iundef, nundef,
			0, 0, 0, 0, 0, 0, // toc, modtab, extrefsyms: never present in caches
			ldst+indOff, uint32(len(indirect)),
			0, 0, 0, 0); err != nil {
			return err
		}
	}
	if funcStartsLC != 0 {
		var off uint32
		if funcStarts != nil {
			off = ldst + funcStartsOff
		}
		if err := patch32(funcStartsLC+8, off, uint32(len(funcStarts))); err != nil {
			return err
		}
	}
	if dataInCodeLC != 0 {
		var off uint32
		if dataInCode != nil {
			off = ldst + dataInCodeOff
		}
		if err := patch32(dataInCodeLC+8, off, uint32(len(dataInCode))); err != nil {
			return err
		}
	}
	if exportsTrieLC != 0 {
		var off uint32
		if exportTrie != nil {
			off = ldst + exportTrieOff
		}
		if err := patch32(exportsTrieLC+8, off, uint32(len(exportTrie))); err != nil {
			return err
		}
	}
	if dyldInfoLC != 0 {
		// rebase and bind info do not survive the cache build; only the
		// export trie is re-pointed
		var off, sz uint32
		if exportsTrieLC == 0 && exportTrie != nil {
			off, sz = ldst+exportTrieOff, uint32(len(exportTrie))
		}
		if err := patch32(dyldInfoLC+8, 0, 0, 0, 0, 0, 0, 0, 0, off, sz); err != nil {
			return err
		}
	}
	if codeSigLC != 0 {
		// the cache-wide signature cannot cover the reconstructed file
		if err := patch32(codeSigLC+8, 0, 0); err != nil {
			return err
		}
	}

	// re-point every segment load command at its output location
	placements := placeSegments(v)
	err = walkLoadCommands(v, func(cmd types.LoadCmd, addr uint64, size uint32) error {
		if cmd != types.LC_SEGMENT_64 {
			return nil
		}
		nameBytes, err := v.Read(addr+8, 16)
		if err != nil {
			return err
		}
		name := string(bytes.Trim(nameBytes, "\x00"))
		for _, p := range placements {
			if p.seg.Name != name {
				continue
			}
			var b [16]byte
			v.ByteOrder().PutUint64(b[:8], p.dst)
			v.ByteOrder().PutUint64(b[8:], p.seg.Size)
			if err := v.Patch(addr+40, b[:]); err != nil { // fileoff, filesize
				return err
			}
			if name == "__LINKEDIT" {
				if err := v.PatchUint64(addr+32, align(p.seg.Size, pageSize)); err != nil { // vmsize
					return err
				}
			}
			break
		}
		return nil
	})
	if err != nil {
		return err
	}

	sr.Patches += len(all)
	return nil
}

func readOldSymtab(v *ImageView, info *symtabInfo) ([]types.Nlist64, []byte, error) {
	nlistBytes, err := readLinkeditBlob(v, info.symoff, info.nsyms*nlist64Size)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read cache symtab nlists")
	}
	nlists := make([]types.Nlist64, info.nsyms)
	if err := binary.Read(bytes.NewReader(nlistBytes), v.ByteOrder(), &nlists); err != nil {
		return nil, nil, err
	}
	pool, err := readLinkeditBlob(v, info.stroff, info.strsize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read cache string pool")
	}
	return nlists, pool, nil
}

func readIndirectTable(v *ImageView, info *symtabInfo) ([]uint32, error) {
	if info.indoff == 0 || info.nind == 0 {
		return nil, nil
	}
	data, err := readLinkeditBlob(v, info.indoff, info.nind*4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read indirect symbol table")
	}
	indirect := make([]uint32, info.nind)
	if err := binary.Read(bytes.NewReader(data), v.ByteOrder(), &indirect); err != nil {
		return nil, err
	}
	return indirect, nil
}

func cstringAt(pool []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(pool)) {
		return "", errors.Errorf("string offset %#x out of pool", off)
	}
	end := bytes.IndexByte(pool[off:], 0)
	if end < 0 {
		return "", errors.Errorf("unterminated string at %#x", off)
	}
	return string(pool[off : int(off)+end]), nil
}
