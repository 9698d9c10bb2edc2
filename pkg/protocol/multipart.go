package protocol

import (
	"fmt"
	"io"
)

// MultiPartFixedOverhead is every byte of a MultiPartMessage datagram that
// isn't the text fragment or its length prefix: type identifier, networkId,
// postTime, editTime, currentPart and totalParts.
const MultiPartFixedOverhead = TypeIDSize + 4 + 8 + 8 + 2 + 2

// MultiPartMessage (0x0009) - One numbered fragment of a long text post
//
// Parts of one logical message share NetworkID, PostTime and TotalParts.
// A higher EditTime for the same (NetworkID, PostTime) is a revision that
// supersedes earlier text.
type MultiPartMessage struct {
	NetworkID   NetworkID
	PostTime    uint64 // Unix milliseconds of the original post
	EditTime    uint64 // Unix milliseconds of this revision
	CurrentPart uint16
	TotalParts  uint16
	Text        string
}

func (p *MultiPartMessage) Type() TypeID { return TypeMultiPart }

func (p *MultiPartMessage) Size() int {
	return MultiPartFixedOverhead - TypeIDSize + SafeStringBytes(p.Text, DefaultSafeStringLimit)
}

// Validate checks the part numbering invariant.
func (p *MultiPartMessage) Validate() error {
	if p.TotalParts == 0 || p.CurrentPart >= p.TotalParts {
		return fmt.Errorf("%w: part %d of %d", ErrInvalidPartIndex, p.CurrentPart, p.TotalParts)
	}
	return nil
}

func (p *MultiPartMessage) EncodeTo(w io.Writer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(p.NetworkID)); err != nil {
		return err
	}
	if err := WriteUint64(w, p.PostTime); err != nil {
		return err
	}
	if err := WriteUint64(w, p.EditTime); err != nil {
		return err
	}
	if err := WriteUint16(w, p.CurrentPart); err != nil {
		return err
	}
	if err := WriteUint16(w, p.TotalParts); err != nil {
		return err
	}
	return WriteSafeString(w, p.Text, DefaultSafeStringLimit)
}

func (p *MultiPartMessage) DecodeFrom(r io.Reader) error {
	id, err := ReadUint32(r)
	if err != nil {
		return err
	}
	postTime, err := ReadUint64(r)
	if err != nil {
		return err
	}
	editTime, err := ReadUint64(r)
	if err != nil {
		return err
	}
	current, err := ReadUint16(r)
	if err != nil {
		return err
	}
	total, err := ReadUint16(r)
	if err != nil {
		return err
	}
	text, err := ReadSafeString(r)
	if err != nil {
		return err
	}

	p.NetworkID = NetworkID(id)
	p.PostTime = postTime
	p.EditTime = editTime
	p.CurrentPart = current
	p.TotalParts = total
	p.Text = text
	return p.Validate()
}
