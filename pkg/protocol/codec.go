package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

// All scalars are big-endian on the wire.
var byteOrder = binary.BigEndian

const (
	// DefaultSafeStringLimit is the character limit used when a field does not
	// impose a tighter one.
	DefaultSafeStringLimit = 65535

	// MaxSafeStringBytes is the largest byte length a uint16 prefix can carry.
	MaxSafeStringBytes = math.MaxUint16

	// SafeStringOverhead is the size of the length prefix.
	SafeStringOverhead = 2
)

// readFull reads exactly len(buf) bytes, reporting a short read as ErrTruncated.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteBool writes a bool as one byte (0 or 1)
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

// ReadBool reads a bool; any non-zero byte is true
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	byteOrder.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

// WriteInt32 writes a two's complement int32
func WriteInt32(w io.Writer, v int32) error {
	return WriteUint32(w, uint32(v))
}

func ReadInt32(r io.Reader) (int32, error) {
	v, err := ReadUint32(r)
	return int32(v), err
}

// WriteFloat32 writes the IEEE 754 bit pattern of v
func WriteFloat32(w io.Writer, v float32) error {
	return WriteUint32(w, math.Float32bits(v))
}

func ReadFloat32(r io.Reader) (float32, error) {
	v, err := ReadUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ClampSafeString returns the text a safe string write will actually emit:
// invalid UTF-8 replaced with U+FFFD, then cut at a rune boundary so the
// result holds at most limit runes and at most MaxSafeStringBytes bytes.
// A limit <= 0 yields the empty string.
func ClampSafeString(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	if len(s) <= limit && len(s) <= MaxSafeStringBytes {
		// Byte length bounds rune count, nothing to cut.
		return s
	}

	runes := 0
	for i := range s {
		if runes == limit {
			return s[:i]
		}
		_, width := utf8.DecodeRuneInString(s[i:])
		if i+width > MaxSafeStringBytes {
			return s[:i]
		}
		runes++
	}
	return s
}

// SafeStringBytes returns the encoded size of s under limit, prefix included.
// It shares ClampSafeString with WriteSafeString so size and output agree.
func SafeStringBytes(s string, limit int) int {
	return SafeStringOverhead + len(ClampSafeString(s, limit))
}

// WriteSafeString writes s clamped to limit characters with a uint16 byte
// length prefix. Truncation is silent.
func WriteSafeString(w io.Writer, s string, limit int) error {
	clamped := ClampSafeString(s, limit)
	if err := WriteUint16(w, uint16(len(clamped))); err != nil {
		return err
	}
	if len(clamped) == 0 {
		return nil
	}
	_, err := io.WriteString(w, clamped)
	return err
}

// ReadSafeString reads a uint16 length-prefixed UTF-8 string
func ReadSafeString(r io.Reader) (string, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrMalformedString
	}
	return string(buf), nil
}
