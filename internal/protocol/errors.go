package protocol

import (
	"errors"
	"fmt"
)

// ErrRecordTooLarge is wrapped by a FramingError when a record header
// declares a body larger than the reader accepts.
var ErrRecordTooLarge = errors.New("record too large")

// FramingError reports a malformed or truncated record: the byte stream can
// no longer be trusted to be aligned on record boundaries.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// ProtocolError reports a well-framed record whose content does not form a
// valid envelope.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Reason)
}

// IsFramingError reports whether err is, or wraps, a FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
