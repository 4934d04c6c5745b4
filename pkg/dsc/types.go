package dsc

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// Known good magics
var knownMagic = []string{
	"dyld_v1    i386",
	"dyld_v1  x86_64",
	"dyld_v1 x86_64h",
	"dyld_v1   armv5",
	"dyld_v1   armv6",
	"dyld_v1   armv7",
	"dyld_v1  armv7",
	"dyld_v1   arm64",
	"dyld_v1arm64_32",
	"dyld_v1  arm64e",
}

type magic [16]byte

func (m magic) String() string {
	return strings.Trim(string(m[:]), "\x00")
}

type formatVersion uint32

const (
	DylibsExpectedOnDisk   formatVersion = 0x100
	IsSimulator            formatVersion = 0x200
	LocallyBuiltCache      formatVersion = 0x400
	BuiltFromChainedFixups formatVersion = 0x800
)

func (f formatVersion) Version() uint8 {
	return uint8(f & 0xff)
}

func (f formatVersion) IsDylibsExpectedOnDisk() bool {
	return (f & DylibsExpectedOnDisk) != 0
}

func (f formatVersion) IsSimulator() bool {
	return (f & IsSimulator) != 0
}

func (f formatVersion) IsLocallyBuiltCache() bool {
	return (f & LocallyBuiltCache) != 0
}

func (f formatVersion) IsBuiltFromChainedFixups() bool {
	return (f & BuiltFromChainedFixups) != 0
}

func (f formatVersion) String() string {
	var fStr []string
	if f.IsSimulator() {
		fStr = append(fStr, "Simulator")
	}
	if f.IsDylibsExpectedOnDisk() {
		fStr = append(fStr, "DylibsExpectedOnDisk")
	}
	if f.IsLocallyBuiltCache() {
		fStr = append(fStr, "LocallyBuiltCache")
	}
	if f.IsBuiltFromChainedFixups() {
		fStr = append(fStr, "BuiltFromChainedFixups")
	}
	if len(fStr) > 0 {
		return fmt.Sprintf("%d (%s)", f.Version(), strings.Join(fStr, "|"))
	}
	return fmt.Sprintf("%d", f.Version())
}

type cacheType uint64

const (
	CacheTypeDevelopment cacheType = 0
	CacheTypeProduction  cacheType = 1
	CacheTypeUniversal   cacheType = 2
)

func (t cacheType) String() string {
	switch t {
	case CacheTypeDevelopment:
		return "development"
	case CacheTypeProduction:
		return "production"
	case CacheTypeUniversal:
		return "universal"
	default:
		return fmt.Sprintf("unknown (%d)", uint64(t))
	}
}

// CacheHeader is the dyld_cache_header found at the start of the main cache
// file and of every sub-cache file.
type CacheHeader struct {
	Magic                                       magic          // e.g. "dyld_v1  arm64e"
	MappingOffset                               uint32         // file offset to first dyld_cache_mapping_info
	MappingCount                                uint32         // number of dyld_cache_mapping_info entries
	ImagesOffsetOld                             uint32         // UNUSED: moved to ImagesOffset to prevent older dsc_extractors from crashing
	ImagesCountOld                              uint32         // UNUSED: moved to ImagesCount
	DyldBaseAddress                             uint64         // base address of dyld when cache was built
	CodeSignatureOffset                         uint64         // file offset of code signature blob
	CodeSignatureSize                           uint64         // size of code signature blob (zero means to end of file)
	SlideInfoOffsetUnused                       uint64         // unused. Used to be file offset of kernel slid info
	SlideInfoSizeUnused                         uint64         // unused. Used to be size of kernel slid info
	LocalSymbolsOffset                          uint64         // file offset of where local symbols are stored
	LocalSymbolsSize                            uint64         // size of local symbols information
	UUID                                        types.UUID     // unique value for each shared cache file
	CacheType                                   cacheType      // 0 for development, 1 for production, 2 for multi-cache
	BranchPoolsOffset                           uint32         // file offset to table of uint64_t pool addresses
	BranchPoolsCount                            uint32         // number of uint64_t entries
	AccelerateInfoAddrUnusedOrDyldAddr          uint64         // unused, or (unslid) addr of mach_header of dyld in cache when CacheType is universal
	AccelerateInfoSizeUnusedOrDyldStartFuncAddr uint64         // unused, or (unslid) addr of entry point (_dyld_start)
	ImagesTextOffset                            uint64         // file offset to first dyld_cache_image_text_info
	ImagesTextCount                             uint64         // number of dyld_cache_image_text_info entries
	PatchInfoAddr                               uint64         // (unslid) address of dyld_cache_patch_info
	PatchInfoSize                               uint64         // size of all of the patch information
	OtherImageGroupAddrUnused                   uint64         // unused
	OtherImageGroupSizeUnused                   uint64         // unused
	ProgClosuresAddr                            uint64         // (unslid) address of list of program launch closures
	ProgClosuresSize                            uint64         // size of list of program launch closures
	ProgClosuresTrieAddr                        uint64         // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize                        uint64         // size of trie of indexes into program launch closures
	Platform                                    types.Platform // platform number (macOS=1, etc)
	FormatVersion                               formatVersion  // dyld3::closure::kFormatVersion + flag bits
	SharedRegionStart                           uint64         // base load address of cache if not slid
	SharedRegionSize                            uint64         // overall size of region cache can be mapped into
	MaxSlide                                    uint64         // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr                        uint64         // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize                        uint64         // size of ImageArray for dylibs in this cache
	DylibsTrieAddr                              uint64         // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize                              uint64         // size of trie of cached dylib paths
	OtherImageArrayAddr                         uint64         // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize                         uint64         // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr                               uint64         // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize                               uint64         // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset                      uint32         // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount                       uint32         // number of dyld_cache_mapping_and_slide_info entries
	DylibsPblStateArrayAddrUnused               uint64         // unused
	DylibsPblSetAddr                            uint64         // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPblSetPoolAddr                      uint64         // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPblSetPoolSize                      uint64         // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr                             uint64         // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize                             uint32
	OsVersion                                   types.Version  // OS Version of dylibs in this cache for the main platform
	AltPlatform                                 types.Platform // e.g. iOSMac on macOS
	AltOsVersion                                types.Version  // e.g. 14.0 for iOSMac
	SwiftOptsOffset                             uint64         // VM offset from cache header to Swift optimizations header
	SwiftOptsSize                               uint64         // size of Swift optimizations header
	SubCacheArrayOffset                         uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount                          uint32         // number of sub-cache entries
	SymbolFileUUID                              types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr                         uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize                         uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr                        uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize                        uint64         // maximum size of the Rosetta read-write region
	ImagesOffset                                uint32         // file offset to first dyld_cache_image_info
	ImagesCount                                 uint32         // number of dyld_cache_image_info entries
	CacheSubType                                uint32         // 0 for development, 1 for production, when cacheType is multi-cache(2)
	_                                           uint32         // padding
	ObjcOptsOffset                              uint64         // VM offset from cache header to ObjC optimizations header
	ObjcOptsSize                                uint64         // size of ObjC optimizations header
	CacheAtlasOffset                            uint64         // VM offset from cache header to embedded cache atlas
	CacheAtlasSize                              uint64         // size of embedded cache atlas
	DynamicDataOffset                           uint64         // VM offset from cache header to dyld_cache_dynamic_data_header
	DynamicDataMaxSize                          uint64         // maximum size of space reserved from dynamic data
}

// HasSubCaches returns if the cache is split across multiple backing files.
func (h CacheHeader) HasSubCaches() bool {
	return h.SubCacheArrayCount > 0
}

// HasSymbolsFile returns if the cache's local symbols live in a separate
// .symbols sub-cache file.
func (h CacheHeader) HasSymbolsFile() bool {
	return h.SymbolFileUUID != types.UUID{}
}

// ImagesTableOffset returns the file offset of the image info table, which
// moved fields when sub-cache support was introduced.
func (h CacheHeader) ImagesTableOffset() uint32 {
	if h.ImagesOffset != 0 {
		return h.ImagesOffset
	}
	return h.ImagesOffsetOld
}

// ImagesTableCount returns the number of image info entries.
func (h CacheHeader) ImagesTableCount() uint32 {
	if h.ImagesOffset != 0 {
		return h.ImagesCount
	}
	return h.ImagesCountOld
}

type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

type CacheMappingFlag uint64

const (
	DyldCacheMappingNone       CacheMappingFlag = 0
	DyldCacheMappingAuthData   CacheMappingFlag = 1 << 0
	DyldCacheMappingDirtyData  CacheMappingFlag = 1 << 1
	DyldCacheMappingConstData  CacheMappingFlag = 1 << 2
	DyldCacheMappingTextStubs  CacheMappingFlag = 1 << 3
	DyldCacheMappingConfigData CacheMappingFlag = 1 << 4
	DyldCacheMappingUnknown    CacheMappingFlag = 1 << 5
	DyldCacheMappingTPRO       CacheMappingFlag = 1 << 6
)

func (f CacheMappingFlag) IsAuthData() bool {
	return (f & DyldCacheMappingAuthData) != 0
}
func (f CacheMappingFlag) IsDirtyData() bool {
	return (f & DyldCacheMappingDirtyData) != 0
}
func (f CacheMappingFlag) IsConstData() bool {
	return (f & DyldCacheMappingConstData) != 0
}
func (f CacheMappingFlag) IsTextStubs() bool {
	return (f & DyldCacheMappingTextStubs) != 0
}

func (f CacheMappingFlag) String() string {
	var fStr []string
	if f.IsAuthData() {
		fStr = append(fStr, "AUTH_DATA")
	}
	if f.IsDirtyData() {
		fStr = append(fStr, "DIRTY_DATA")
	}
	if f.IsConstData() {
		fStr = append(fStr, "CONST_DATA")
	}
	if f.IsTextStubs() {
		fStr = append(fStr, "TEXT_STUBS")
	}
	return strings.Join(fStr, "|")
}

// CacheMappingAndSlideInfo is the dyld_cache_mapping_and_slide_info struct.
type CacheMappingAndSlideInfo struct {
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           CacheMappingFlag
	MaxProt         types.VmProtection
	InitProt        types.VmProtection
}

// CacheMapping is one resolved VM mapping within a backing file.
type CacheMapping struct {
	Name string
	CacheMappingAndSlideInfo
	SlideInfo slideInfo // nil when the mapping carries no rebase info
}

// Contains returns if addr falls inside the mapping's VM range.
func (m *CacheMapping) Contains(addr uint64) bool {
	return m.Address <= addr && addr < m.Address+m.Size
}

type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

type CacheImageTextInfo struct {
	UUID            types.UUID
	LoadAddress     uint64 // unslid address of start of __TEXT
	TextSegmentSize uint32
	PathOffset      uint32 // offset from start of cache file
}

// SubCacheEntryV1 is the dyld_subcache_entry_v1 struct (pre iOS 16).
type SubCacheEntryV1 struct {
	UUID          types.UUID
	CacheVMOffset uint64
}

// SubCacheEntry is the dyld_subcache_entry struct. FileSuffix names the
// backing file relative to the main cache path (e.g. ".01", ".dylddata").
type SubCacheEntry struct {
	UUID          types.UUID
	CacheVMOffset uint64
	FileSuffix    [32]byte
}

func (e SubCacheEntry) Suffix() string {
	return strings.Trim(string(e.FileSuffix[:]), "\x00")
}

type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of entries
	EntriesCount  uint32 // number of elements in the entries array
}

// CacheLocalSymbolsEntry64 is the dyld_cache_local_symbols_entry_64 struct.
type CacheLocalSymbolsEntry64 struct {
	DylibOffset     uint64 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

// CacheLocalSymbolsEntry is the older 32-bit-offset form of the entry.
type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32
	NlistStartIndex uint32
	NlistCount      uint32
}

// CacheLocalSymbol64 is one private symbol recovered from the cache's
// unmapped locals region.
type CacheLocalSymbol64 struct {
	Name         string
	FoundInDylib string
	types.Nlist64
}

// Rebase is one decoded slide-table slot: the unslid pointer value that
// belongs at a given location, plus any pointer-authentication metadata the
// encoded form carried.
type Rebase struct {
	CacheFileOffset uint64
	CacheVMAddress  uint64
	Target          uint64
	Raw             uint64
	Width           uint8 // slot size in bytes; the v1 and v4 tables hold 32-bit slots
	Authenticated   bool
	DiversityData   uint16
	HasAddrDiv      bool
	Key             uint8
}
