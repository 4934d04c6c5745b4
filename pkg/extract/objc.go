package extract

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// NodeKind tags the metadata node variants the repairer walks. The set is
// closed and switched exhaustively; a new on-disk variant means a new kind
// here, not a silent fallthrough.
type NodeKind uint8

const (
	NodeClass NodeKind = iota
	NodeProtocol
	NodeCategory
	NodeMethodList
	NodeSelRef
)

func (k NodeKind) String() string {
	switch k {
	case NodeClass:
		return "class"
	case NodeProtocol:
		return "protocol"
	case NodeCategory:
		return "category"
	case NodeMethodList:
		return "method list"
	case NodeSelRef:
		return "selector reference"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(k))
	}
}

// objc_class_t field offsets
const (
	classISA        = 0
	classSuperclass = 8
	classData       = 32
	classDataMask   = ^uint64(7) // low bits carry swift flags
)

// class_ro_t field offsets (64-bit)
const (
	roName        = 24
	roBaseMethods = 32
	roBaseProtos  = 40
)

// protocol_t field offsets
const (
	protoName            = 8
	protoProtocols       = 16
	protoInstanceMethods = 24
	protoClassMethods    = 32
	protoOptInstMethods  = 40
	protoOptClassMethods = 48
)

// category_t field offsets
const (
	catName            = 0
	catClass           = 8
	catInstanceMethods = 16
	catClassMethods    = 24
	catProtocols       = 32
)

const smallMethodListFlag = 0x80000000

type metaNode struct {
	kind NodeKind
	addr uint64
}

// repairer accumulates string re-pool requests during the walk so the new
// selector pool is allocated once, then patched in a single pass.
type repairer struct {
	v  *ImageView
	sr *StageReport

	visited map[uint64]bool
	work    []metaNode

	// shared-pool string -> pointer fields that must point at the local copy
	needs map[string][]uint64

	crossImage int // class/superclass references left in place
}

// repairObjC walks the image's runtime metadata graph and makes every
// reachable pointer valid inside the output image. Selector and type
// strings deduplicated into the cache's shared pool are re-created locally;
// class hierarchy references into other images are left as placeholders
// with a warning, which is accepted information loss.
func repairObjC(v *ImageView, sr *StageReport) error {
	r := &repairer{
		v:       v,
		sr:      sr,
		visited: make(map[uint64]bool),
		needs:   make(map[string][]uint64),
	}

	r.enqueuePointerList("__objc_classlist", NodeClass)
	r.enqueuePointerList("__objc_nlclslist", NodeClass)
	r.enqueuePointerList("__objc_catlist", NodeCategory)
	r.enqueuePointerList("__objc_nlcatlist", NodeCategory)
	r.enqueuePointerList("__objc_protolist", NodeProtocol)
	r.enqueueSelRefs()

	for len(r.work) > 0 {
		n := r.work[len(r.work)-1]
		r.work = r.work[:len(r.work)-1]
		if n.addr == 0 || r.visited[n.addr] {
			continue
		}
		r.visited[n.addr] = true

		var err error
		switch n.kind {
		case NodeClass:
			err = r.repairClass(n.addr)
		case NodeProtocol:
			err = r.repairProtocol(n.addr)
		case NodeCategory:
			err = r.repairCategory(n.addr)
		case NodeMethodList:
			err = r.repairMethodList(n.addr)
		case NodeSelRef:
			err = r.repairSelRef(n.addr)
		}
		if err != nil {
			return err
		}
	}

	if err := r.commitStrings(); err != nil {
		return err
	}
	if err := r.mapStringPool(); err != nil {
		return err
	}

	if r.crossImage > 0 {
		sr.Warnf("%d metadata references into other images left in place", r.crossImage)
	}
	return nil
}

func (r *repairer) section(name string) (uint64, uint64, bool) {
	for _, sec := range r.v.MachO().Sections {
		if sec.Name == name {
			return sec.Addr, sec.Size, true
		}
	}
	return 0, 0, false
}

func (r *repairer) enqueuePointerList(section string, kind NodeKind) {
	addr, size, ok := r.section(section)
	if !ok {
		return
	}
	for off := uint64(0); off+8 <= size; off += 8 {
		target, err := r.v.Uint64(addr + off)
		if err != nil {
			return
		}
		if target == 0 {
			continue
		}
		if !r.v.Contains(target) {
			r.crossImage++
			continue
		}
		r.work = append(r.work, metaNode{kind: kind, addr: target})
	}
}

func (r *repairer) enqueueSelRefs() {
	addr, size, ok := r.section("__objc_selrefs")
	if !ok {
		return
	}
	for off := uint64(0); off+8 <= size; off += 8 {
		r.work = append(r.work, metaNode{kind: NodeSelRef, addr: addr + off})
	}
}

// needString records that the pointer field at fieldAddr must be repointed
// at a local copy of whatever shared-pool string it currently references.
func (r *repairer) needString(fieldAddr uint64) error {
	target, err := r.v.Uint64(fieldAddr)
	if err != nil {
		return err
	}
	if target == 0 || r.v.Contains(target) {
		return nil
	}
	s, err := r.v.Cache().GetCString(target)
	if err != nil {
		r.sr.Warnf("string pointer at %#x targets unreadable address %#x", fieldAddr, target)
		return nil
	}
	r.needs[s] = append(r.needs[s], fieldAddr)
	return nil
}

// commitStrings allocates the local string pool and patches every recorded
// pointer field at it.
func (r *repairer) commitStrings() error {
	if len(r.needs) == 0 {
		return nil
	}

	strs := make([]string, 0, len(r.needs))
	for s := range r.needs {
		strs = append(strs, s)
	}
	sort.Strings(strs)

	offsets := make(map[string]uint64, len(strs))
	var pool []byte
	for _, s := range strs {
		offsets[s] = uint64(len(pool))
		pool = append(pool, s...)
		pool = append(pool, 0)
	}

	base := r.v.AllocExtra("__objc_methname", pool)
	for s, fields := range r.needs {
		for _, fieldAddr := range fields {
			if err := r.v.PatchUint64(fieldAddr, base+offsets[s]); err != nil {
				return err
			}
			r.sr.Patches++
		}
	}
	return nil
}

// mapStringPool emits the segment load command for the local string pool.
// Without it nothing maps the pool at load time and every repointed
// selector would resolve outside the image.
func (r *repairer) mapStringPool() error {
	seg := r.v.Segment("__objc_methname")
	if seg == nil {
		return nil
	}
	dst, ok := fileOffsetFor(r.v, "__objc_methname")
	if !ok {
		return errors.Errorf("string pool segment missing from the layout of %s", r.v.Image().BaseName())
	}
	return addSegmentCommand(r.v, seg, dst)
}

func (r *repairer) repairSelRef(slotAddr uint64) error {
	return r.needString(slotAddr)
}

func (r *repairer) repairClass(addr uint64) error {
	for _, field := range []uint64{classISA, classSuperclass} {
		ptr, err := r.v.Uint64(addr + field)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		if !r.v.Contains(ptr) {
			r.crossImage++
			continue
		}
		r.work = append(r.work, metaNode{kind: NodeClass, addr: ptr})
	}

	data, err := r.v.Uint64(addr + classData)
	if err != nil {
		return err
	}
	ro := data & classDataMask
	if ro == 0 || !r.v.Contains(ro) {
		if ro != 0 {
			r.crossImage++
		}
		return nil
	}

	if err := r.needString(ro + roName); err != nil {
		return err
	}
	if ml, err := r.v.Uint64(ro + roBaseMethods); err == nil && ml != 0 && r.v.Contains(ml) {
		r.work = append(r.work, metaNode{kind: NodeMethodList, addr: ml})
	}
	return r.enqueueProtocolList(ro + roBaseProtos)
}

func (r *repairer) repairProtocol(addr uint64) error {
	if err := r.needString(addr + protoName); err != nil {
		return err
	}
	for _, field := range []uint64{protoInstanceMethods, protoClassMethods, protoOptInstMethods, protoOptClassMethods} {
		if ml, err := r.v.Uint64(addr + field); err == nil && ml != 0 && r.v.Contains(ml) {
			r.work = append(r.work, metaNode{kind: NodeMethodList, addr: ml})
		}
	}
	return r.enqueueProtocolList(addr + protoProtocols)
}

func (r *repairer) repairCategory(addr uint64) error {
	if err := r.needString(addr + catName); err != nil {
		return err
	}
	cls, err := r.v.Uint64(addr + catClass)
	if err != nil {
		return err
	}
	if cls != 0 && !r.v.Contains(cls) {
		// category on a class from another image; the binder re-attaches
		// it at load time, the raw pointer is what is lost
		r.crossImage++
	}
	for _, field := range []uint64{catInstanceMethods, catClassMethods} {
		if ml, err := r.v.Uint64(addr + field); err == nil && ml != 0 && r.v.Contains(ml) {
			r.work = append(r.work, metaNode{kind: NodeMethodList, addr: ml})
		}
	}
	return r.enqueueProtocolList(addr + catProtocols)
}

// enqueueProtocolList reads a protocol_list_t (count then pointers).
func (r *repairer) enqueueProtocolList(fieldAddr uint64) error {
	list, err := r.v.Uint64(fieldAddr)
	if err != nil || list == 0 {
		return nil
	}
	if !r.v.Contains(list) {
		r.crossImage++
		return nil
	}
	count, err := r.v.Uint64(list)
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		ptr, err := r.v.Uint64(list + 8 + i*8)
		if err != nil {
			return err
		}
		if ptr == 0 {
			continue
		}
		if !r.v.Contains(ptr) {
			r.crossImage++
			continue
		}
		r.work = append(r.work, metaNode{kind: NodeProtocol, addr: ptr})
	}
	return nil
}

// repairMethodList handles both method_t layouts: 24-byte pointer entries
// whose name and types strings may live in the shared pool, and 12-byte
// relative entries whose offsets resolve inside the image (through selrefs
// repaired separately) and need no rewrite.
func (r *repairer) repairMethodList(addr uint64) error {
	entsizeAndFlags, err := r.v.Uint32(addr)
	if err != nil {
		return err
	}
	count, err := r.v.Uint32(addr + 4)
	if err != nil {
		return err
	}

	if entsizeAndFlags&smallMethodListFlag != 0 {
		return nil
	}

	entsize := uint64(entsizeAndFlags &^ 3)
	if entsize == 0 {
		entsize = 24
	}
	for i := uint64(0); i < uint64(count); i++ {
		entry := addr + 8 + i*entsize
		if err := r.needString(entry); err != nil { // name
			return err
		}
		if err := r.needString(entry + 8); err != nil { // types
			return err
		}
	}
	return nil
}
