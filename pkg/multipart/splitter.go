// Package multipart splits long text posts into datagram-sized
// MultiPartMessage packets and reassembles them on the receiving side.
package multipart

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/sessionwire/pkg/protocol"
)

// ErrTooManyParts means the text needs more parts than a uint16 can number.
var ErrTooManyParts = errors.New("text needs more than 65535 parts")

// CharacterLimit is the fragment length, in characters, for a datagram budget:
// half of what remains after the fixed fields and the string prefix. The
// factor leaves room for multi-byte characters; it is a heuristic, use a
// ByteAccurate Splitter when text may be mostly multi-byte.
func CharacterLimit(maxDatagramBytes int) int {
	limit := int(math.Floor(0.5 * float64(maxDatagramBytes-(protocol.MultiPartFixedOverhead+protocol.SafeStringOverhead))))
	if limit < 1 {
		return 1
	}
	return limit
}

// ByteLimit is the largest fragment, in encoded bytes, that still fits one
// datagram of the given budget.
func ByteLimit(maxDatagramBytes int) int {
	limit := maxDatagramBytes - (protocol.MultiPartFixedOverhead + protocol.SafeStringOverhead)
	if limit > protocol.MaxSafeStringBytes {
		limit = protocol.MaxSafeStringBytes
	}
	if limit < utf8.UTFMax {
		return utf8.UTFMax
	}
	return limit
}

// Post identifies the logical message the parts belong to.
type Post struct {
	NetworkID protocol.NetworkID
	PostTime  uint64
	EditTime  uint64
}

// Split cuts text into ceil(len/limit) fragments of at most limit characters
// (at least one part, even for empty text) and numbers them in order.
func Split(post Post, text string, limit int) ([]*protocol.MultiPartMessage, error) {
	if limit < 1 {
		return nil, fmt.Errorf("character limit must be positive, got %d", limit)
	}
	runes := []rune(text)
	total := (len(runes) + limit - 1) / limit
	if total < 1 {
		total = 1
	}
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyParts, total)
	}

	fragments := make([]string, total)
	for i := 0; i < total; i++ {
		start := i * limit
		end := min(start+limit, len(runes))
		fragments[i] = string(runes[start:end])
	}
	return numberParts(post, fragments), nil
}

// SplitBytes cuts text into fragments of at most maxBytes encoded bytes,
// never splitting a character.
func SplitBytes(post Post, text string, maxBytes int) ([]*protocol.MultiPartMessage, error) {
	if maxBytes < utf8.UTFMax {
		return nil, fmt.Errorf("byte limit must be at least %d, got %d", utf8.UTFMax, maxBytes)
	}
	if !utf8.ValidString(text) {
		// Match what the safe string writer will emit.
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}

	fragments := cutBytes(nil, text, maxBytes)
	if len(fragments) == 0 {
		fragments = []string{""}
	}
	if len(fragments) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyParts, len(fragments))
	}
	return numberParts(post, fragments), nil
}

// cutBytes appends text to fragments in pieces of at most maxBytes bytes,
// cutting on character boundaries.
func cutBytes(fragments []string, text string, maxBytes int) []string {
	for len(text) > 0 {
		cut := len(text)
		if cut > maxBytes {
			cut = maxBytes
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		fragments = append(fragments, text[:cut])
		text = text[cut:]
	}
	return fragments
}

func numberParts(post Post, fragments []string) []*protocol.MultiPartMessage {
	parts := make([]*protocol.MultiPartMessage, len(fragments))
	for i, fragment := range fragments {
		parts[i] = &protocol.MultiPartMessage{
			NetworkID:   post.NetworkID,
			PostTime:    post.PostTime,
			EditTime:    post.EditTime,
			CurrentPart: uint16(i),
			TotalParts:  uint16(len(fragments)),
			Text:        fragment,
		}
	}
	return parts
}

// Splitter splits text for a fixed datagram budget.
type Splitter struct {
	MaxDatagramBytes int
	// ByteAccurate cuts on encoded size instead of character count, so every
	// part fits the budget whatever the script.
	ByteAccurate bool
}

// Split cuts text for post under the splitter's budget. Without
// ByteAccurate, fragments follow CharacterLimit but are cut further when
// multi-byte text would not fit.
func (s Splitter) Split(post Post, text string) ([]*protocol.MultiPartMessage, error) {
	maxBytes := s.MaxDatagramBytes
	if maxBytes == 0 {
		maxBytes = protocol.DefaultMaxDatagramBytes
	}
	if s.ByteAccurate {
		return SplitBytes(post, text, ByteLimit(maxBytes))
	}
	parts, err := Split(post, text, CharacterLimit(maxBytes))
	if err != nil {
		return nil, err
	}
	return fitParts(post, parts, ByteLimit(maxBytes))
}

// fitParts re-cuts any character-limited fragment whose encoding would
// overflow the datagram, renumbering the parts when it had to.
func fitParts(post Post, parts []*protocol.MultiPartMessage, maxBytes int) ([]*protocol.MultiPartMessage, error) {
	fits := true
	for _, p := range parts {
		if len(p.Text) > maxBytes {
			fits = false
			break
		}
	}
	if fits {
		return parts, nil
	}

	fragments := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		fragments = cutBytes(fragments, p.Text, maxBytes)
	}
	if len(fragments) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyParts, len(fragments))
	}
	return numberParts(post, fragments), nil
}

// Join concatenates fragments ordered by CurrentPart. It is the inverse of
// Split for a complete, consistent set of parts.
func Join(parts []*protocol.MultiPartMessage) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no parts", protocol.ErrInvalidPartIndex)
	}
	total := parts[0].TotalParts
	if int(total) != len(parts) {
		return "", fmt.Errorf("%w: have %d of %d parts", protocol.ErrInvalidPartIndex, len(parts), total)
	}

	ordered := make([]string, total)
	seen := make([]bool, total)
	for _, p := range parts {
		if p.TotalParts != total || p.CurrentPart >= total || seen[p.CurrentPart] {
			return "", fmt.Errorf("%w: part %d of %d", protocol.ErrInvalidPartIndex, p.CurrentPart, p.TotalParts)
		}
		seen[p.CurrentPart] = true
		ordered[p.CurrentPart] = p.Text
	}
	return strings.Join(ordered, ""), nil
}
