package dsc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMappingNotFound is returned when a VM address falls outside every
// mapping of every backing file.
var ErrMappingNotFound = errors.New("address not within any mapping's address range")

// ErrBeforeFirstImage is returned by ImageAt for addresses below the lowest
// image base address.
var ErrBeforeFirstImage = errors.New("address is before the first image in the cache")

// ErrImageNotFound is returned when no image path matches a lookup.
var ErrImageNotFound = errors.New("image not found in cache")

// ErrNoLocals is returned for caches built without local symbols info.
var ErrNoLocals = errors.New("dyld shared cache does NOT contain local symbols info")

// ErrNoSlideInfo is returned when a data mapping carries no rebase table.
var ErrNoSlideInfo = errors.New("mapping does NOT contain slide info")

// ErrTooManyOpenFiles wraps EMFILE/ENFILE so batch mode can tell descriptor
// exhaustion apart from ordinary I/O failure and suggest raising the limit.
var ErrTooManyOpenFiles = errors.New("too many open files (each worker opens the full sub-cache set; lower --jobs or raise RLIMIT_NOFILE)")

// FormatError is returned when the cache or one of its images does not have
// the expected binary structure.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

func formatError(off int64, msg string, val any) *FormatError {
	return &FormatError{off: off, msg: msg, val: val}
}

// AddressError reports a VM address that could not be resolved.
type AddressError struct {
	Addr uint64
	err  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%v: %#x", e.err, e.Addr)
}

func (e *AddressError) Unwrap() error {
	return e.err
}

func unmapped(addr uint64) *AddressError {
	return &AddressError{Addr: addr, err: ErrMappingNotFound}
}
