package protocol

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// DecodeFunc decodes one packet body of a known type from r.
type DecodeFunc func(r io.Reader) (Packet, error)

// maxBundleDepth bounds bundle recursion during decode.
const maxBundleDepth = 8

// Registry maps type identifiers to decoders. Each type registers once;
// lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[TypeID]DecodeFunc
}

// NewRegistry returns a registry preloaded with every built-in packet type.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.MustRegister(TypeBundle, r.decodeBundle)
	r.MustRegister(TypeLoopback, decoderFor(func() Packet { return &Loopback{} }))
	r.MustRegister(TypeHandshake, decoderFor(func() Packet { return &Handshake{} }))
	r.MustRegister(TypeAdministration, decoderFor(func() Packet { return &Administration{} }))
	r.MustRegister(TypeCredentials, decoderFor(func() Packet { return &Credentials{} }))
	r.MustRegister(TypeServerInfo, decoderFor(func() Packet { return &ServerInfo{} }))
	r.MustRegister(TypeUsername, decoderFor(func() Packet { return &Username{} }))
	r.MustRegister(TypePing, decoderFor(func() Packet { return &Ping{} }))
	r.MustRegister(TypeMultiPart, decoderFor(func() Packet { return &MultiPartMessage{} }))
	return r
}

// NewEmptyRegistry returns a registry with no types, bundle included.
func NewEmptyRegistry() *Registry {
	return &Registry{decoders: make(map[TypeID]DecodeFunc)}
}

// DefaultRegistry holds the built-in packet types.
var DefaultRegistry = NewRegistry()

// decoderFor adapts a constructor into a DecodeFunc.
func decoderFor(newPacket func() Packet) DecodeFunc {
	return func(r io.Reader) (Packet, error) {
		p := newPacket()
		if err := p.DecodeFrom(r); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Register adds a decoder for id. Registering the same id twice is a
// configuration error.
func (r *Registry) Register(id TypeID, decode DecodeFunc) error {
	if decode == nil {
		return fmt.Errorf("nil decoder for type %s", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, id)
	}
	r.decoders[id] = decode
	return nil
}

// RegisterPacket registers a type whose zero value is produced by newPacket.
func (r *Registry) RegisterPacket(id TypeID, newPacket func() Packet) error {
	return r.Register(id, decoderFor(newPacket))
}

// MustRegister is Register for process start-up; it panics on error.
func (r *Registry) MustRegister(id TypeID, decode DecodeFunc) {
	if err := r.Register(id, decode); err != nil {
		panic(err)
	}
}

// Resolve returns the decoder for id or ErrUnknownPacketType.
func (r *Registry) Resolve(id TypeID) (DecodeFunc, error) {
	r.mu.RLock()
	decode, ok := r.decoders[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacketType, id)
	}
	return decode, nil
}

// Types lists the registered identifiers in ascending order.
func (r *Registry) Types() []TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]TypeID, 0, len(r.decoders))
	for id := range r.decoders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReadPacket reads a type identifier and decodes the body that follows.
func (r *Registry) ReadPacket(rd io.Reader) (Packet, error) {
	return r.readPacket(rd, 0)
}

func (r *Registry) readPacket(rd io.Reader, depth int) (Packet, error) {
	id, err := ReadUint16(rd)
	if err != nil {
		return nil, err
	}
	return r.readInner(rd, TypeID(id), depth)
}
