package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecEncodeDecode(t *testing.T) {
	codec, err := NewCodec(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDatagramBytes, codec.MaxDatagramBytes)

	original := &Username{NetworkID: 12, Name: "carol"}
	data, err := codec.Encode(original)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x07}, data[:2])
	assert.Len(t, data, PacketSize(original))

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestCodecBudget(t *testing.T) {
	codec, err := NewCodec(nil, 64)
	require.NoError(t, err)

	t.Run("packet at budget", func(t *testing.T) {
		// 2 type + 1 op + 4 target + 2 prefix = 9 bytes of framing
		p := &Administration{Operation: AdminAlert, Text: strings.Repeat("a", 64-9)}
		data, err := codec.Encode(p)
		require.NoError(t, err)
		assert.Len(t, data, 64)
	})

	t.Run("packet over budget", func(t *testing.T) {
		p := &Administration{Operation: AdminAlert, Text: strings.Repeat("a", 64-8)}
		_, err := codec.Encode(p)
		assert.ErrorIs(t, err, ErrDatagramTooLarge)
	})

	t.Run("oversized inbound datagram", func(t *testing.T) {
		_, err := codec.Decode(make([]byte, 65))
		assert.ErrorIs(t, err, ErrDatagramTooLarge)
	})
}

func TestCodecDecodeErrors(t *testing.T) {
	codec, err := NewCodec(nil, 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrEmptyDatagram},
		{"half a type id", []byte{0x00}, ErrTruncated},
		{"never registered type", []byte{0xFF, 0xFF, 0x00}, ErrUnknownPacketType},
		{"truncated body", []byte{0x00, 0x03, 0x00}, ErrTruncated},
		{"trailing bytes", []byte{0x00, 0x03, 0, 0, 0, 1, 0, 0x42}, ErrTrailingBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := codec.Decode(tt.data)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewCodecRejectsTinyBudget(t *testing.T) {
	_, err := NewCodec(nil, MinMaxDatagramBytes-1)
	assert.ErrorIs(t, err, ErrInvalidDatagramSize)
}

// lyingPacket declares one more byte than it writes.
type lyingPacket struct{ Loopback }

func (p *lyingPacket) Size() int { return p.Loopback.Size() + 1 }

func TestCodecSizeMismatch(t *testing.T) {
	codec, err := NewCodec(nil, 0)
	require.NoError(t, err)
	_, err = codec.Encode(&lyingPacket{})
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, err = EncodeBody(&lyingPacket{})
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestCodecPack(t *testing.T) {
	codec, err := NewCodec(nil, 64)
	require.NoError(t, err)

	// Each loopback costs 14 bytes inside a bundle; 4 fit under 64 (2+2+56).
	var packets []Packet
	for i := 0; i < 9; i++ {
		packets = append(packets, &Loopback{Sequence: uint32(i)})
	}

	units, err := codec.Pack(packets)
	require.NoError(t, err)
	require.Len(t, units, 3)

	var seqs []uint32
	for _, unit := range units {
		data, err := codec.Encode(unit)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), 64)

		switch u := unit.(type) {
		case *Bundle:
			for _, p := range u.Packets {
				seqs = append(seqs, p.(*Loopback).Sequence)
			}
		case *Loopback:
			seqs = append(seqs, u.Sequence)
		}
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8}, seqs)
	_, single := units[2].(*Loopback)
	assert.True(t, single, "a lone leftover is sent unbundled")
}

func TestCodecPackOversized(t *testing.T) {
	codec, err := NewCodec(nil, 64)
	require.NoError(t, err)
	_, err = codec.Pack([]Packet{&Administration{Text: strings.Repeat("z", 100)}})
	assert.ErrorIs(t, err, ErrDatagramTooLarge)
}

func TestPackageLevelDatagramHelpers(t *testing.T) {
	data, err := EncodeDatagram(&Loopback{Sequence: 5}, 0)
	require.NoError(t, err)
	p, err := DecodeDatagram(data, 0)
	require.NoError(t, err)
	assert.Equal(t, &Loopback{Sequence: 5}, p)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWritePacketPropagatesWriterError(t *testing.T) {
	err := WritePacket(failingWriter{}, &Loopback{})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
