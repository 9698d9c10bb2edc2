package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip encodes p, checks the declared size, and decodes into a fresh
// packet from the default registry.
func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	body, err := EncodeBody(p)
	require.NoError(t, err)
	require.Equal(t, p.Size(), len(body), "size must match encoded length")

	decode, err := DefaultRegistry.Resolve(p.Type())
	require.NoError(t, err)
	r := bytes.NewReader(body)
	decoded, err := decode(r)
	require.NoError(t, err)
	require.Equal(t, 0, r.Len(), "decode must consume the whole body")
	return decoded
}

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{"loopback zero", &Loopback{}},
		{"loopback", &Loopback{Sequence: 42, SentAt: 1_700_000_000_000}},
		{"handshake assign self", &Handshake{NetworkID: 1, Operation: HandshakeAssignSelf}},
		{"handshake create other", &Handshake{NetworkID: 0xFFFFFFFF, Operation: HandshakeCreateOther}},
		{"handshake destroy other", &Handshake{NetworkID: 7, Operation: HandshakeDestroyOther}},
		{"admin empty text", &Administration{Operation: AdminShutdown}},
		{"admin kick", &Administration{Operation: AdminKick, Target: 9, Text: "spamming"}},
		{"admin text at limit", &Administration{Operation: AdminAlert, Text: strings.Repeat("a", MaxAdminTextChars)}},
		{"admin ban", &Administration{Operation: AdminBan, Target: 3, Text: "cheating"}},
		{"credentials", &Credentials{Username: "alice", Password: "hunter2"}},
		{"credentials empty", &Credentials{}},
		{"credentials unicode", &Credentials{Username: "Zoë", Password: "pässwörd"}},
		{"username", &Username{NetworkID: 5, Name: "bob"}},
		{"username at limit", &Username{NetworkID: 5, Name: strings.Repeat("n", MaxUsernameChars)}},
		{"ping empty", &Ping{RTT: map[NetworkID]float32{}}},
		{"ping table", &Ping{RTT: map[NetworkID]float32{1: 12.5, 2: 80, 300: 0.25}}},
		{"server info minimal", &ServerInfo{MaxPlayers: 1}},
		{"server info full", &ServerInfo{
			MaxPlayers:  64,
			Name:        "Friday Night Arena",
			Tags:        []string{"pvp", "eu", "casual"},
			Description: "Weekly matches, be nice.",
			Password:    PasswordSetMarker,
		}},
		{"multi-part", &MultiPartMessage{NetworkID: 2, PostTime: 100, EditTime: 100, CurrentPart: 0, TotalParts: 1, Text: "hello"}},
		{"multi-part last of many", &MultiPartMessage{NetworkID: 2, PostTime: 100, EditTime: 250, CurrentPart: 4, TotalParts: 5, Text: "tail"}},
		{"multi-part empty text", &MultiPartMessage{NetworkID: 2, PostTime: 1, EditTime: 1, TotalParts: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := roundTrip(t, tt.packet)
			if ping, ok := tt.packet.(*Ping); ok && len(ping.RTT) == 0 {
				assert.Empty(t, decoded.(*Ping).RTT)
				return
			}
			assert.Equal(t, tt.packet, decoded)
		})
	}
}

func TestPacketTruncation(t *testing.T) {
	// Text one character over its limit is cut, not rejected.
	admin := &Administration{Operation: AdminAlert, Text: strings.Repeat("b", MaxAdminTextChars+1)}
	decoded := roundTrip(t, admin).(*Administration)
	assert.Equal(t, strings.Repeat("b", MaxAdminTextChars), decoded.Text)

	user := &Username{Name: strings.Repeat("x", MaxUsernameChars+10)}
	assert.Equal(t, 4+SafeStringBytes(user.Name, MaxUsernameChars), user.Size())
	assert.Len(t, roundTrip(t, user).(*Username).Name, MaxUsernameChars)

	info := &ServerInfo{MaxPlayers: 8, Tags: make([]string, MaxTags+3)}
	for i := range info.Tags {
		info.Tags[i] = "t"
	}
	assert.Len(t, roundTrip(t, info).(*ServerInfo).Tags, MaxTags)
}

func TestPacketSizes(t *testing.T) {
	assert.Equal(t, 12, (&Loopback{}).Size())
	assert.Equal(t, 5, (&Handshake{}).Size())
	assert.Equal(t, 1+4+2+3, (&Administration{Text: "abc"}).Size())
	assert.Equal(t, 2+2+2, (&Credentials{Username: "ab"}).Size())
	assert.Equal(t, 2+3*8, (&Ping{RTT: map[NetworkID]float32{1: 1, 2: 2, 3: 3}}).Size())
	assert.Equal(t, 24+2+5, (&MultiPartMessage{TotalParts: 1, Text: "hello"}).Size())
	assert.Equal(t, 2+2+1+2+2, (&ServerInfo{}).Size())
}

func TestPingEncodingIsDeterministic(t *testing.T) {
	p := &Ping{RTT: map[NetworkID]float32{9: 1, 3: 2, 5: 3, 1: 4}}
	first, err := EncodeBody(p)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := EncodeBody(p)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// Ascending networkId order after the count.
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00, 0x00, 0x01}, first[:6])
}

func TestPacketDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		packet  Packet
		payload []byte
		wantErr error
	}{
		{"loopback empty", &Loopback{}, []byte{}, ErrTruncated},
		{"loopback partial timestamp", &Loopback{}, []byte{0, 0, 0, 1, 0, 0}, ErrTruncated},
		{"handshake missing op", &Handshake{}, []byte{0, 0, 0, 1}, ErrTruncated},
		{"handshake bad op", &Handshake{}, []byte{0, 0, 0, 1, 9}, ErrInvalidEnum},
		{"admin bad op", &Administration{}, []byte{8, 0, 0, 0, 1, 0, 0}, ErrInvalidEnum},
		{"admin missing text", &Administration{}, []byte{2, 0, 0, 0, 1}, ErrTruncated},
		{"admin malformed text", &Administration{}, []byte{2, 0, 0, 0, 1, 0, 1, 0xFF}, ErrMalformedString},
		{"credentials missing password", &Credentials{}, []byte{0, 1, 'a'}, ErrTruncated},
		{"username partial id", &Username{}, []byte{0, 0}, ErrTruncated},
		{"ping count without entries", &Ping{}, []byte{0, 2, 0, 0, 0, 1}, ErrTruncated},
		{"server info too many tags", &ServerInfo{}, []byte{0, 1, 0, 0, MaxTags + 1}, ErrTooManyEntries},
		{"server info missing password", &ServerInfo{}, []byte{0, 1, 0, 0, 0, 0, 0}, ErrTruncated},
		{"multi-part missing text", &MultiPartMessage{}, make([]byte, 24), ErrTruncated},
		{"multi-part zero total", &MultiPartMessage{}, make([]byte, 26), ErrInvalidPartIndex},
		{"multi-part index past total", &MultiPartMessage{}, append(append(make([]byte, 20), 0, 3, 0, 3), 0, 0), ErrInvalidPartIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DecodeBody(tt.packet, tt.payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeBodyTrailingBytes(t *testing.T) {
	err := DecodeBody(&Handshake{}, []byte{0, 0, 0, 1, 0, 0xEE})
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestMultiPartEncodeRejectsBadIndex(t *testing.T) {
	_, err := EncodeBody(&MultiPartMessage{CurrentPart: 2, TotalParts: 2})
	assert.ErrorIs(t, err, ErrInvalidPartIndex)
}

func TestServerInfoDescriptor(t *testing.T) {
	t.Run("password never echoed", func(t *testing.T) {
		info := ServerInfoFromDescriptor(HostDescriptor{MaxPlayers: 10, Name: "host", PasswordSet: true})
		assert.Equal(t, PasswordSetMarker, info.Password)
		assert.True(t, info.Descriptor().PasswordSet)
	})

	t.Run("no password", func(t *testing.T) {
		info := ServerInfoFromDescriptor(HostDescriptor{MaxPlayers: 10})
		assert.Empty(t, info.Password)
		assert.False(t, info.Descriptor().PasswordSet)
	})

	t.Run("any non-empty password marks the descriptor", func(t *testing.T) {
		info := &ServerInfo{MaxPlayers: 4, Password: "literal"}
		assert.True(t, info.Descriptor().PasswordSet)
	})

	t.Run("max players clamped", func(t *testing.T) {
		tests := []struct {
			in   int
			want uint16
		}{
			{-5, 1}, {0, 1}, {1, 1}, {32, 32}, {65535, 65535}, {70000, 65535},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, ServerInfoFromDescriptor(HostDescriptor{MaxPlayers: tt.in}).MaxPlayers, "in=%d", tt.in)
		}
		assert.Equal(t, 1, (&ServerInfo{MaxPlayers: 0}).Descriptor().MaxPlayers)
	})

	t.Run("descriptor round trip", func(t *testing.T) {
		d := HostDescriptor{MaxPlayers: 16, Name: "n", Tags: []string{"a", "b"}, Description: "d", PasswordSet: true}
		info := ServerInfoFromDescriptor(d)
		decoded := roundTrip(t, info).(*ServerInfo)
		assert.Equal(t, d, decoded.Descriptor())
	})

	t.Run("tags are copied", func(t *testing.T) {
		tags := []string{"x"}
		info := ServerInfoFromDescriptor(HostDescriptor{MaxPlayers: 2, Tags: tags})
		tags[0] = "changed"
		assert.Equal(t, []string{"x"}, info.Tags)
	})
}

func TestEnumNames(t *testing.T) {
	assert.Equal(t, "kick", AdminKick.String())
	assert.Equal(t, "admin(200)", AdminOperation(200).String())
	op, ok := ParseAdminOperation("ban")
	assert.True(t, ok)
	assert.Equal(t, AdminBan, op)
	_, ok = ParseAdminOperation("explode")
	assert.False(t, ok)

	assert.Equal(t, "create_other", HandshakeCreateOther.String())
	assert.Equal(t, "MULTI_PART", TypeMultiPart.String())
	assert.Equal(t, "0xFFFF", TypeID(0xFFFF).String())
}
