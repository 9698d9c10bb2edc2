package protocol

import (
	"fmt"
	"io"
	"sort"
)

// NetworkID is the session-assigned identity of a connected participant.
type NetworkID uint32

// Text limits in characters for the fixed-shape packets.
const (
	MaxUsernameChars    = 32
	MaxPasswordChars    = 128
	MaxAdminTextChars   = 256
	MaxServerNameChars  = 64
	MaxDescriptionChars = 256
	MaxTagChars         = 24
	MaxTags             = 16
)

// Loopback (0x0002) - Probe echoed unchanged by the receiver
type Loopback struct {
	Sequence uint32
	SentAt   uint64 // Unix milliseconds at the original sender
}

func (p *Loopback) Type() TypeID { return TypeLoopback }
func (p *Loopback) Size() int    { return 4 + 8 }

func (p *Loopback) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, p.Sequence); err != nil {
		return err
	}
	return WriteUint64(w, p.SentAt)
}

func (p *Loopback) DecodeFrom(r io.Reader) error {
	seq, err := ReadUint32(r)
	if err != nil {
		return err
	}
	sentAt, err := ReadUint64(r)
	if err != nil {
		return err
	}
	p.Sequence = seq
	p.SentAt = sentAt
	return nil
}

// HandshakeOperation selects what a Handshake does to a session.
type HandshakeOperation uint8

const (
	HandshakeAssignSelf   HandshakeOperation = iota // Receiver learns its own networkId
	HandshakeCreateOther                            // Another participant joined
	HandshakeDestroyOther                           // Another participant left
)

func (o HandshakeOperation) Valid() bool { return o <= HandshakeDestroyOther }

func (o HandshakeOperation) String() string {
	switch o {
	case HandshakeAssignSelf:
		return "assign_self"
	case HandshakeCreateOther:
		return "create_other"
	case HandshakeDestroyOther:
		return "destroy_other"
	}
	return fmt.Sprintf("handshake(%d)", uint8(o))
}

// Handshake (0x0003) - Session bootstrap and teardown
type Handshake struct {
	NetworkID NetworkID
	Operation HandshakeOperation
}

func (p *Handshake) Type() TypeID { return TypeHandshake }
func (p *Handshake) Size() int    { return 4 + 1 }

func (p *Handshake) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, uint32(p.NetworkID)); err != nil {
		return err
	}
	return WriteUint8(w, uint8(p.Operation))
}

func (p *Handshake) DecodeFrom(r io.Reader) error {
	id, err := ReadUint32(r)
	if err != nil {
		return err
	}
	op, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if !HandshakeOperation(op).Valid() {
		return fmt.Errorf("%w: handshake operation %d", ErrInvalidEnum, op)
	}
	p.NetworkID = NetworkID(id)
	p.Operation = HandshakeOperation(op)
	return nil
}

// AdminOperation is the closed set of administration commands.
type AdminOperation uint8

const (
	AdminAuthorize AdminOperation = iota
	AdminShutdown
	AdminAlert
	AdminPromote
	AdminDemote
	AdminRename
	AdminKick
	AdminBan
)

var adminOperationNames = [...]string{
	AdminAuthorize: "authorize",
	AdminShutdown:  "shutdown",
	AdminAlert:     "alert",
	AdminPromote:   "promote",
	AdminDemote:    "demote",
	AdminRename:    "rename",
	AdminKick:      "kick",
	AdminBan:       "ban",
}

func (o AdminOperation) Valid() bool { return int(o) < len(adminOperationNames) }

func (o AdminOperation) String() string {
	if o.Valid() {
		return adminOperationNames[o]
	}
	return fmt.Sprintf("admin(%d)", uint8(o))
}

// ParseAdminOperation maps a command name back to its operation.
func ParseAdminOperation(name string) (AdminOperation, bool) {
	for i, n := range adminOperationNames {
		if n == name {
			return AdminOperation(i), true
		}
	}
	return 0, false
}

// Administration (0x0004) - Administrative command against a participant
type Administration struct {
	Operation AdminOperation
	Target    NetworkID
	Text      string // Alert body, new name, or kick/ban reason
}

func (p *Administration) Type() TypeID { return TypeAdministration }

func (p *Administration) Size() int {
	return 1 + 4 + SafeStringBytes(p.Text, MaxAdminTextChars)
}

func (p *Administration) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, uint8(p.Operation)); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(p.Target)); err != nil {
		return err
	}
	return WriteSafeString(w, p.Text, MaxAdminTextChars)
}

func (p *Administration) DecodeFrom(r io.Reader) error {
	op, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if !AdminOperation(op).Valid() {
		return fmt.Errorf("%w: admin operation %d", ErrInvalidEnum, op)
	}
	target, err := ReadUint32(r)
	if err != nil {
		return err
	}
	text, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	p.Operation = AdminOperation(op)
	p.Target = NetworkID(target)
	p.Text = text
	return nil
}

// Credentials (0x0005) - Username and password presented to the host
type Credentials struct {
	Username string
	Password string
}

func (p *Credentials) Type() TypeID { return TypeCredentials }

func (p *Credentials) Size() int {
	return SafeStringBytes(p.Username, MaxUsernameChars) + SafeStringBytes(p.Password, MaxPasswordChars)
}

func (p *Credentials) EncodeTo(w io.Writer) error {
	if err := WriteSafeString(w, p.Username, MaxUsernameChars); err != nil {
		return err
	}
	return WriteSafeString(w, p.Password, MaxPasswordChars)
}

func (p *Credentials) DecodeFrom(r io.Reader) error {
	username, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	password, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	p.Username = username
	p.Password = password
	return nil
}

// Username (0x0007) - Display name of a participant
type Username struct {
	NetworkID NetworkID
	Name      string
}

func (p *Username) Type() TypeID { return TypeUsername }

func (p *Username) Size() int {
	return 4 + SafeStringBytes(p.Name, MaxUsernameChars)
}

func (p *Username) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, uint32(p.NetworkID)); err != nil {
		return err
	}
	return WriteSafeString(w, p.Name, MaxUsernameChars)
}

func (p *Username) DecodeFrom(r io.Reader) error {
	id, err := ReadUint32(r)
	if err != nil {
		return err
	}
	name, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	p.NetworkID = NetworkID(id)
	p.Name = name
	return nil
}

// Ping (0x0008) - Round-trip time samples per participant
// Format: [Count (2 bytes)]([NetworkID (4 bytes)][RTT ms (float32)])*
type Ping struct {
	RTT map[NetworkID]float32
}

const pingEntrySize = 4 + 4

func (p *Ping) Type() TypeID { return TypePing }

func (p *Ping) Size() int {
	return 2 + len(p.RTT)*pingEntrySize
}

func (p *Ping) EncodeTo(w io.Writer) error {
	if len(p.RTT) > 0xFFFF {
		return fmt.Errorf("%w: %d ping entries", ErrTooManyEntries, len(p.RTT))
	}
	if err := WriteUint16(w, uint16(len(p.RTT))); err != nil {
		return err
	}

	// Sorted so the same table always encodes to the same bytes.
	ids := make([]NetworkID, 0, len(p.RTT))
	for id := range p.RTT {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := WriteUint32(w, uint32(id)); err != nil {
			return err
		}
		if err := WriteFloat32(w, p.RTT[id]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Ping) DecodeFrom(r io.Reader) error {
	count, err := ReadUint16(r)
	if err != nil {
		return err
	}

	rtt := make(map[NetworkID]float32, count)
	for i := uint16(0); i < count; i++ {
		id, err := ReadUint32(r)
		if err != nil {
			return err
		}
		sample, err := ReadFloat32(r)
		if err != nil {
			return err
		}
		rtt[NetworkID(id)] = sample
	}

	p.RTT = rtt
	return nil
}
