package dsc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/pkg/trie"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// ParseLocalSyms reads the cache's unmapped locals region and attaches each
// dylib's private symbols to its CacheImage. The region lives in the
// .symbols sub-cache file when the header names one, in the main file
// otherwise; the newer home also switched the per-dylib entries to 64-bit
// file offsets.
func (f *File) ParseLocalSyms() error {
	if f.LocalSymbolsOffset == 0 && f.SymbolsUUID == (types.UUID{}) {
		return ErrNoLocals
	}

	uuid := f.UUID
	if f.SymbolsUUID != (types.UUID{}) {
		uuid = f.SymbolsUUID
	}
	base := int64(f.localSymbolsOffset())
	sr := io.NewSectionReader(f.r[uuid], base, 1<<63-1)

	if _, err := sr.Seek(int64(binary.Size(f.LocalSymInfo)), io.SeekStart); err != nil {
		return err
	}

	type span struct {
		dylibOffset uint64
		start       uint32
		count       uint32
	}
	spans := make([]span, 0, f.LocalSymInfo.EntriesCount)

	if f.SymbolsUUID != (types.UUID{}) {
		for i := uint32(0); i != f.LocalSymInfo.EntriesCount; i++ {
			var e CacheLocalSymbolsEntry64
			if err := binary.Read(sr, f.ByteOrder, &e); err != nil {
				return err
			}
			spans = append(spans, span{e.DylibOffset, e.NlistStartIndex, e.NlistCount})
		}
	} else {
		for i := uint32(0); i != f.LocalSymInfo.EntriesCount; i++ {
			var e CacheLocalSymbolsEntry
			if err := binary.Read(sr, f.ByteOrder, &e); err != nil {
				return err
			}
			spans = append(spans, span{uint64(e.DylibOffset), e.NlistStartIndex, e.NlistCount})
		}
	}

	nlists := make([]types.Nlist64, f.LocalSymInfo.NlistCount)
	if _, err := sr.Seek(int64(f.LocalSymInfo.NlistOffset), io.SeekStart); err != nil {
		return err
	}
	if err := binary.Read(sr, f.ByteOrder, &nlists); err != nil {
		return errors.Wrap(err, "failed to read local symbol nlist entries")
	}

	pool := make([]byte, f.LocalSymInfo.StringsSize)
	if _, err := sr.ReadAt(pool, int64(f.LocalSymInfo.StringsOffset)); err != nil {
		return errors.Wrap(err, "failed to read local symbol string pool")
	}

	// entries key dylibs by the file offset of their mach header in the
	// main cache file
	byOffset := make(map[uint64]*CacheImage, len(f.Images))
	for _, image := range f.Images {
		u, off, err := f.GetOffset(image.Base())
		if err != nil {
			return err
		}
		if u == f.UUID {
			byOffset[off] = image
		}
	}

	for _, sp := range spans {
		image, ok := byOffset[sp.dylibOffset]
		if !ok {
			log.Debugf("locals entry for unknown dylib offset %#x", sp.dylibOffset)
			continue
		}
		if uint64(sp.start)+uint64(sp.count) > uint64(len(nlists)) {
			return formatError(base, "local symbol entry nlist range out of bounds for", image.BaseName())
		}
		image.LocalSymbols = make([]*CacheLocalSymbol64, 0, sp.count)
		for _, nl := range nlists[sp.start : sp.start+sp.count] {
			name, err := cstring(pool, nl.Name)
			if err != nil {
				return formatError(base, "local symbol string offset out of pool for", image.BaseName())
			}
			image.LocalSymbols = append(image.LocalSymbols, &CacheLocalSymbol64{
				Name:         name,
				FoundInDylib: image.Name,
				Nlist64:      nl,
			})
		}
	}

	return nil
}

func cstring(pool []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(pool)) {
		return "", fmt.Errorf("string offset %#x out of pool", off)
	}
	end := bytes.IndexByte(pool[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %#x", off)
	}
	return string(pool[off : int(off)+end]), nil
}

// GetLocalSymbol returns the image's private symbol matching name.
func (i *CacheImage) GetLocalSymbol(name string) (*CacheLocalSymbol64, error) {
	for _, sym := range i.LocalSymbols {
		if sym.Name == name {
			return sym, nil
		}
	}
	return nil, fmt.Errorf("local symbol %s not found in %s", name, i.BaseName())
}

// FindLocalSymForAddress returns the private symbol at a given address.
func (f *File) FindLocalSymForAddress(addr uint64) *CacheLocalSymbol64 {
	for _, image := range f.Images {
		for _, sym := range image.LocalSymbols {
			if sym.Value == addr {
				return sym
			}
		}
	}
	return nil
}

// GetExportTrieData returns the image's raw export trie bytes. The cache
// builder leaves each dylib's trie in place, so the load commands locate it.
func (i *CacheImage) GetExportTrieData() ([]byte, error) {
	var addr, size uint64

	m, err := i.GetPartialMacho()
	if err != nil {
		return nil, err
	}
	if dxt := m.DyldExportsTrie(); dxt != nil && dxt.Size > 0 {
		addr, err = i.cache.GetVMAddressForUUID(uint64(dxt.Offset))
		if err != nil {
			return nil, err
		}
		size = uint64(dxt.Size)
	} else if di := m.DyldInfo(); di != nil && di.ExportSize > 0 {
		addr, err = i.cache.GetVMAddressForUUID(uint64(di.ExportOff))
		if err != nil {
			return nil, err
		}
		size = uint64(di.ExportSize)
	} else {
		return nil, fmt.Errorf("%s has no export trie", i.BaseName())
	}

	data := make([]byte, size)
	if _, err := i.cache.ReadAtAddr(data, addr); err != nil {
		return nil, errors.Wrapf(err, "failed to read export trie of %s", i.BaseName())
	}
	return data, nil
}

// GetVMAddressForUUID resolves a linkedit file offset to its VM address,
// trying every backing file. Linkedit load command offsets refer to the file
// that holds the shared __LINKEDIT region, which need not be the file
// holding the image's __TEXT.
func (f *File) GetVMAddressForUUID(offset uint64) (uint64, error) {
	if addr, err := f.GetVMAddress(f.UUID, offset); err == nil {
		return addr, nil
	}
	for _, uuid := range f.SubCacheIDs {
		if addr, err := f.GetVMAddress(uuid, offset); err == nil {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("offset %#x not within any mapping of any cache file", offset)
}

// GetExportedSymbols parses the image's export trie.
func (i *CacheImage) GetExportedSymbols() ([]trie.TrieExport, error) {
	data, err := i.GetExportTrieData()
	if err != nil {
		return nil, err
	}
	return trie.ParseTrieExports(bytes.NewReader(data), i.Base())
}

// FindExportedSymbol returns the image's export matching name.
func (i *CacheImage) FindExportedSymbol(name string) (*trie.TrieExport, error) {
	syms, err := i.GetExportedSymbols()
	if err != nil {
		return nil, err
	}
	for _, sym := range syms {
		if sym.Name == name {
			sym.FoundInDylib = i.Name
			return &sym, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found in exports of %s", name, i.BaseName())
}
