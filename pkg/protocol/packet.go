package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// TypeID identifies a concrete packet type on the wire. Values are stable
// across protocol versions.
type TypeID uint16

// Packet type identifiers
const (
	TypeBundle         TypeID = 0x0001
	TypeLoopback       TypeID = 0x0002
	TypeHandshake      TypeID = 0x0003
	TypeAdministration TypeID = 0x0004
	TypeCredentials    TypeID = 0x0005
	TypeServerInfo     TypeID = 0x0006
	TypeUsername       TypeID = 0x0007
	TypePing           TypeID = 0x0008
	TypeMultiPart      TypeID = 0x0009
)

// TypeIDSize is the size of the type identifier preceding every packet body.
const TypeIDSize = 2

var typeNames = map[TypeID]string{
	TypeBundle:         "BUNDLE",
	TypeLoopback:       "LOOPBACK",
	TypeHandshake:      "HANDSHAKE",
	TypeAdministration: "ADMINISTRATION",
	TypeCredentials:    "CREDENTIALS",
	TypeServerInfo:     "SERVER_INFO",
	TypeUsername:       "USERNAME",
	TypePing:           "PING",
	TypeMultiPart:      "MULTI_PART",
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// Packet is implemented by every message type.
//
// Size is recomputed from the current field values on every call and must
// equal the number of bytes EncodeTo writes. Recompute before every send.
// Bodies are not length-prefixed: DecodeFrom consumes exactly the bytes its
// own encoding produced and leaves the rest of r untouched.
type Packet interface {
	Type() TypeID
	Size() int
	EncodeTo(w io.Writer) error
	DecodeFrom(r io.Reader) error
}

// EncodeBody serializes p without its type identifier.
func EncodeBody(p Packet) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, p.Size()))
	if err := p.EncodeTo(buf); err != nil {
		return nil, err
	}
	if buf.Len() != p.Size() {
		return nil, fmt.Errorf("%w: %s wrote %d bytes, declared %d", ErrSizeMismatch, p.Type(), buf.Len(), p.Size())
	}
	return buf.Bytes(), nil
}

// DecodeBody fills p from payload, which must hold exactly one body.
func DecodeBody(p Packet, payload []byte) error {
	buf := bytes.NewReader(payload)
	if err := p.DecodeFrom(buf); err != nil {
		return err
	}
	if buf.Len() > 0 {
		return fmt.Errorf("%w: %d bytes after %s", ErrTrailingBytes, buf.Len(), p.Type())
	}
	return nil
}

// WritePacket writes the type identifier of p followed by its body.
func WritePacket(w io.Writer, p Packet) error {
	if err := WriteUint16(w, uint16(p.Type())); err != nil {
		return err
	}
	return p.EncodeTo(w)
}

// PacketSize is the on-wire size of p including its type identifier.
func PacketSize(p Packet) int {
	return TypeIDSize + p.Size()
}
