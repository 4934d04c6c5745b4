package extract

import "fmt"

// FormatError is returned when an image's binary structure is not what the
// cache header promised (bad Mach-O magic, corrupt chain, unknown encoding).
type FormatError struct {
	addr uint64
	msg  string
	val  any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" at address %#x", e.addr)
	return msg
}

func formatError(addr uint64, msg string, val any) *FormatError {
	return &FormatError{addr: addr, msg: msg, val: val}
}

// RangeError is returned when a read or patch range is not fully contained
// within a single segment of the view. Always fatal for the current image.
type RangeError struct {
	Addr uint64
	Size uint64
	op   string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s range [%#x, %#x) not contained in a single segment", e.op, e.Addr, e.Addr+e.Size)
}

// LayoutError is returned when the copy plan cannot tile the output file.
// Well-formed inputs never trigger it.
type LayoutError struct {
	msg string
}

func (e *LayoutError) Error() string {
	return "layout: " + e.msg
}
