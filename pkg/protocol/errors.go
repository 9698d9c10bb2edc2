package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated means fewer bytes remained than a field requires.
	ErrTruncated = errors.New("packet truncated")
	// ErrUnknownPacketType means no decoder is registered for the type identifier.
	ErrUnknownPacketType = errors.New("unknown packet type")
	// ErrMalformedString means a length-prefixed string is not valid UTF-8.
	ErrMalformedString = errors.New("malformed string")
	// ErrBundleCorrupt wraps any inner failure while decoding a bundle.
	ErrBundleCorrupt = errors.New("bundle corrupt")
	// ErrInvalidEnum means an enum byte is outside its closed set.
	ErrInvalidEnum = errors.New("invalid enum value")

	ErrDatagramTooLarge    = errors.New("datagram exceeds maximum size")
	ErrSizeMismatch        = errors.New("encoded size does not match declared size")
	ErrTrailingBytes       = errors.New("trailing bytes after packet")
	ErrDuplicateType       = errors.New("packet type already registered")
	ErrBundleTooDeep       = errors.New("bundle nesting too deep")
	ErrTooManyEntries      = errors.New("too many entries for a uint16 count")
	ErrInvalidPartIndex    = errors.New("multi-part index out of range")
	ErrEmptyDatagram       = errors.New("empty datagram")
	ErrInvalidDatagramSize = errors.New("maximum datagram size too small")
)

// BundleError reports which inner packet of a bundle failed to decode.
// It matches both ErrBundleCorrupt and the inner cause with errors.Is.
type BundleError struct {
	Index int
	Type  TypeID
	Err   error
}

func (e *BundleError) Error() string {
	return fmt.Sprintf("%v: packet %d (type %s): %v", ErrBundleCorrupt, e.Index, e.Type, e.Err)
}

func (e *BundleError) Unwrap() []error {
	return []error{ErrBundleCorrupt, e.Err}
}
