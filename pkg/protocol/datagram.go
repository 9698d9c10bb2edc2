package protocol

import (
	"bytes"
	"fmt"
)

const (
	// DefaultMaxDatagramBytes is the datagram budget used when the transport
	// does not supply one. Both peers must agree on the value.
	DefaultMaxDatagramBytes = 1200

	// MinMaxDatagramBytes is the smallest budget that still fits a
	// multi-part fragment of one character.
	MinMaxDatagramBytes = MultiPartFixedOverhead + SafeStringOverhead + 4
)

// Codec turns packets into datagrams and back under a shared size budget.
// A datagram is [TypeID (2 bytes)][Body]; bundles add their own framing.
type Codec struct {
	Registry         *Registry
	MaxDatagramBytes int
}

// NewCodec returns a codec over registry (DefaultRegistry when nil) with the
// given budget (DefaultMaxDatagramBytes when zero).
func NewCodec(registry *Registry, maxDatagramBytes int) (*Codec, error) {
	if registry == nil {
		registry = DefaultRegistry
	}
	if maxDatagramBytes == 0 {
		maxDatagramBytes = DefaultMaxDatagramBytes
	}
	if maxDatagramBytes < MinMaxDatagramBytes {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidDatagramSize, maxDatagramBytes, MinMaxDatagramBytes)
	}
	return &Codec{Registry: registry, MaxDatagramBytes: maxDatagramBytes}, nil
}

// Encode serializes p into one datagram. It fails with ErrDatagramTooLarge
// when the result would exceed the budget and with ErrSizeMismatch when the
// packet writes a different number of bytes than it declares.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	size := PacketSize(p)
	if size > c.MaxDatagramBytes {
		return nil, fmt.Errorf("%w: %s needs %d bytes, budget %d", ErrDatagramTooLarge, p.Type(), size, c.MaxDatagramBytes)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := WritePacket(buf, p); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: %s wrote %d bytes, declared %d", ErrSizeMismatch, p.Type(), buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// Decode parses one datagram. Bytes left over after the packet are an error.
func (c *Codec) Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDatagram
	}
	if len(data) > c.MaxDatagramBytes {
		return nil, fmt.Errorf("%w: received %d bytes, budget %d", ErrDatagramTooLarge, len(data), c.MaxDatagramBytes)
	}

	buf := bytes.NewReader(data)
	p, err := c.Registry.ReadPacket(buf)
	if err != nil {
		return nil, err
	}
	if buf.Len() > 0 {
		return nil, fmt.Errorf("%w: %d bytes after %s", ErrTrailingBytes, buf.Len(), p.Type())
	}
	return p, nil
}

// Pack groups packets, in order, into as few datagram-sized units as
// possible. A group of one is returned as the packet itself, larger groups
// as a Bundle. A packet that can't fit the budget on its own is an error.
func (c *Codec) Pack(packets []Packet) ([]Packet, error) {
	var out []Packet
	current := &Bundle{}

	flush := func() {
		switch current.Len() {
		case 0:
		case 1:
			out = append(out, current.Packets[0])
		default:
			out = append(out, current)
		}
		current = &Bundle{}
	}

	for _, p := range packets {
		if PacketSize(p) > c.MaxDatagramBytes {
			return nil, fmt.Errorf("%w: %s needs %d bytes, budget %d", ErrDatagramTooLarge, p.Type(), PacketSize(p), c.MaxDatagramBytes)
		}
		if !current.Fits(p, c.MaxDatagramBytes) {
			flush()
		}
		current.Add(p)
	}
	flush()
	return out, nil
}

// EncodeDatagram encodes p against DefaultRegistry and maxBytes.
func EncodeDatagram(p Packet, maxBytes int) ([]byte, error) {
	c, err := NewCodec(nil, maxBytes)
	if err != nil {
		return nil, err
	}
	return c.Encode(p)
}

// DecodeDatagram decodes data against DefaultRegistry and maxBytes.
func DecodeDatagram(data []byte, maxBytes int) (Packet, error) {
	c, err := NewCodec(nil, maxBytes)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}
