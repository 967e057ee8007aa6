package wire

import (
	"errors"
	"fmt"
)

// ErrFormat matches every *FormatError with errors.Is.
var ErrFormat = errors.New("wire format error")

// FormatError reports malformed or truncated input. Reading past the end
// of a buffer always surfaces as a FormatError, never as a panic.
type FormatError struct {
	Op   string // what was being decoded
	Pos  int    // reader position when the failure was detected
	Need int    // bytes required (0 when not a length failure)
	Have int    // bytes available
	Msg  string // free-form detail for non-length failures
}

func (e *FormatError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("wire: %s at offset %d: %s", e.Op, e.Pos, e.Msg)
	}
	return fmt.Sprintf("wire: %s at offset %d: need %d bytes, have %d", e.Op, e.Pos, e.Need, e.Have)
}

// Is makes errors.Is(err, ErrFormat) true for any FormatError.
func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}
