package protocol

import (
	"fmt"
	"io"
	"math"
)

// PasswordSetMarker stands in for the host password in ServerInfo sent to
// clients. The literal password never leaves the host.
const PasswordSetMarker = "*"

// HostDescriptor is the public-facing description of a host. The host
// application owns password policy; the descriptor only knows whether a
// password is required.
type HostDescriptor struct {
	MaxPlayers  int
	Name        string
	Tags        []string
	Description string
	PasswordSet bool
}

// ServerInfo (0x0006) - Host description sent to joining clients
// Format: [MaxPlayers (2)][Name][TagCount (1)][Tag]*[Description][Password]
type ServerInfo struct {
	MaxPlayers  uint16
	Name        string
	Tags        []string
	Description string
	Password    string // PasswordSetMarker or empty on the public path
}

// ClampMaxPlayers bounds n to the range a uint16 player count can carry,
// never below one.
func ClampMaxPlayers(n int) uint16 {
	if n < 1 {
		return 1
	}
	if n > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(n)
}

// ServerInfoFromDescriptor builds the packet for d, replacing any password
// with PasswordSetMarker.
func ServerInfoFromDescriptor(d HostDescriptor) *ServerInfo {
	info := &ServerInfo{
		MaxPlayers:  ClampMaxPlayers(d.MaxPlayers),
		Name:        d.Name,
		Description: d.Description,
	}
	if len(d.Tags) > 0 {
		info.Tags = append([]string(nil), d.Tags...)
	}
	if d.PasswordSet {
		info.Password = PasswordSetMarker
	}
	return info
}

// Descriptor converts the packet back into a host descriptor. Any
// non-empty password maps to PasswordSet.
func (p *ServerInfo) Descriptor() HostDescriptor {
	d := HostDescriptor{
		MaxPlayers:  int(ClampMaxPlayers(int(p.MaxPlayers))),
		Name:        p.Name,
		Description: p.Description,
		PasswordSet: p.Password != "",
	}
	if len(p.Tags) > 0 {
		d.Tags = append([]string(nil), p.Tags...)
	}
	return d
}

func (p *ServerInfo) Type() TypeID { return TypeServerInfo }

// tagCount is the number of tags actually encoded.
func (p *ServerInfo) tagCount() int {
	if len(p.Tags) > MaxTags {
		return MaxTags
	}
	return len(p.Tags)
}

func (p *ServerInfo) Size() int {
	size := 2 + SafeStringBytes(p.Name, MaxServerNameChars) + 1
	for _, tag := range p.Tags[:p.tagCount()] {
		size += SafeStringBytes(tag, MaxTagChars)
	}
	size += SafeStringBytes(p.Description, MaxDescriptionChars)
	size += SafeStringBytes(p.Password, MaxPasswordChars)
	return size
}

func (p *ServerInfo) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, p.MaxPlayers); err != nil {
		return err
	}
	if err := WriteSafeString(w, p.Name, MaxServerNameChars); err != nil {
		return err
	}

	// Tags past MaxTags are dropped like any other truncated text.
	count := p.tagCount()
	if err := WriteUint8(w, uint8(count)); err != nil {
		return err
	}
	for _, tag := range p.Tags[:count] {
		if err := WriteSafeString(w, tag, MaxTagChars); err != nil {
			return err
		}
	}

	if err := WriteSafeString(w, p.Description, MaxDescriptionChars); err != nil {
		return err
	}
	return WriteSafeString(w, p.Password, MaxPasswordChars)
}

func (p *ServerInfo) DecodeFrom(r io.Reader) error {
	maxPlayers, err := ReadUint16(r)
	if err != nil {
		return err
	}
	name, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	count, err := ReadUint8(r)
	if err != nil {
		return err
	}
	if int(count) > MaxTags {
		return fmt.Errorf("%w: %d tags", ErrTooManyEntries, count)
	}

	var tags []string
	if count > 0 {
		tags = make([]string, count)
		for i := range tags {
			if tags[i], err = ReadSafeString(r); err != nil {
				return err
			}
		}
	}

	description, err := ReadSafeString(r)
	if err != nil {
		return err
	}
	password, err := ReadSafeString(r)
	if err != nil {
		return err
	}

	p.MaxPlayers = maxPlayers
	p.Name = name
	p.Tags = tags
	p.Description = description
	p.Password = password
	return nil
}
