package protocol

import (
	"fmt"
	"io"
	"math"
)

// BundleOverhead is the size of the inner packet count.
const BundleOverhead = 2

// Bundle carries an ordered sequence of packets in one datagram.
// Format: [Count (2 bytes)]([TypeID (2 bytes)][Body])*
//
// Order is preserved on decode. Decoding uses DefaultRegistry; use
// Registry.ReadPacket to decode against another registry.
type Bundle struct {
	Packets []Packet
}

// NewBundle returns a bundle holding packets in the given order.
func NewBundle(packets ...Packet) *Bundle {
	return &Bundle{Packets: packets}
}

func (b *Bundle) Type() TypeID { return TypeBundle }

// Add appends p to the bundle.
func (b *Bundle) Add(p Packet) {
	b.Packets = append(b.Packets, p)
}

// Len returns the number of inner packets.
func (b *Bundle) Len() int {
	return len(b.Packets)
}

func (b *Bundle) Size() int {
	size := BundleOverhead
	for _, p := range b.Packets {
		size += TypeIDSize + p.Size()
	}
	return size
}

// Fits reports whether adding p keeps the bundle's datagram within maxBytes.
func (b *Bundle) Fits(p Packet, maxBytes int) bool {
	return TypeIDSize+b.Size()+TypeIDSize+p.Size() <= maxBytes && len(b.Packets) < math.MaxUint16
}

func (b *Bundle) EncodeTo(w io.Writer) error {
	if len(b.Packets) > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrTooManyEntries, len(b.Packets))
	}
	if err := WriteUint16(w, uint16(len(b.Packets))); err != nil {
		return err
	}
	for _, p := range b.Packets {
		if err := WritePacket(w, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundle) DecodeFrom(r io.Reader) error {
	decoded, err := DefaultRegistry.readBundle(r, 1)
	if err != nil {
		return err
	}
	b.Packets = decoded.Packets
	return nil
}

func (r *Registry) decodeBundle(rd io.Reader) (Packet, error) {
	b, err := r.readBundle(rd, 1)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// readBundle decodes a bundle body. Any inner failure fails the whole
// bundle; there is no partial recovery.
func (r *Registry) readBundle(rd io.Reader, depth int) (*Bundle, error) {
	if depth > maxBundleDepth {
		return nil, ErrBundleTooDeep
	}
	count, err := ReadUint16(rd)
	if err != nil {
		return nil, err
	}

	// Every inner packet takes at least its type identifier, so a short
	// buffer can't force a large allocation.
	capacity := int(count)
	if lr, ok := rd.(interface{ Len() int }); ok && lr.Len()/TypeIDSize < capacity {
		capacity = lr.Len() / TypeIDSize
	}
	b := &Bundle{Packets: make([]Packet, 0, capacity)}

	for i := 0; i < int(count); i++ {
		id, err := ReadUint16(rd)
		if err != nil {
			return nil, &BundleError{Index: i, Err: err}
		}
		p, err := r.readInner(rd, TypeID(id), depth)
		if err != nil {
			return nil, &BundleError{Index: i, Type: TypeID(id), Err: err}
		}
		b.Packets = append(b.Packets, p)
	}
	return b, nil
}

func (r *Registry) readInner(rd io.Reader, id TypeID, depth int) (Packet, error) {
	decode, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	if id != TypeBundle {
		return decode(rd)
	}
	// Nested bundles carry the depth instead of the registered decoder.
	b, err := r.readBundle(rd, depth+1)
	if err != nil {
		return nil, err
	}
	return b, nil
}
