package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestSafeStringSizeProperty checks that the computed size always matches
// what the writer emits, for any text and limit.
func TestSafeStringSizeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "text")
		limit := rapid.IntRange(-1, 300).Draw(t, "limit")

		var buf bytes.Buffer
		if err := WriteSafeString(&buf, s, limit); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if got, want := buf.Len(), SafeStringBytes(s, limit); got != want {
			t.Fatalf("size mismatch: wrote %d, computed %d", got, want)
		}

		decoded, err := ReadSafeString(&buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if want := ClampSafeString(s, limit); decoded != want {
			t.Fatalf("string mismatch: got %q, want %q", decoded, want)
		}
		if limit >= 0 && len([]rune(decoded)) > limit {
			t.Fatalf("clamped string has %d runes, limit %d", len([]rune(decoded)), limit)
		}
	})
}

// TestSafeStringRawBytes feeds arbitrary, possibly invalid, bytes through the writer.
func TestSafeStringRawBytes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "raw")
		limit := rapid.IntRange(1, 80).Draw(t, "limit")

		var buf bytes.Buffer
		if err := WriteSafeString(&buf, string(raw), limit); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		if buf.Len() != SafeStringBytes(string(raw), limit) {
			t.Fatalf("size mismatch")
		}
		if _, err := ReadSafeString(&buf); err != nil {
			t.Fatalf("writer produced undecodable text: %v", err)
		}
	})
}

func TestScalarRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u16 := rapid.Uint16().Draw(t, "u16")
		u32 := rapid.Uint32().Draw(t, "u32")
		u64 := rapid.Uint64().Draw(t, "u64")
		i32 := rapid.Int32().Draw(t, "i32")
		f32 := rapid.Float32Range(-1e9, 1e9).Draw(t, "f32")

		var buf bytes.Buffer
		_ = WriteUint16(&buf, u16)
		_ = WriteUint32(&buf, u32)
		_ = WriteUint64(&buf, u64)
		_ = WriteInt32(&buf, i32)
		_ = WriteFloat32(&buf, f32)
		if buf.Len() != 2+4+8+4+4 {
			t.Fatalf("wrote %d bytes", buf.Len())
		}

		g16, _ := ReadUint16(&buf)
		g32, _ := ReadUint32(&buf)
		g64, _ := ReadUint64(&buf)
		gi32, _ := ReadInt32(&buf)
		gf32, err := ReadFloat32(&buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if g16 != u16 || g32 != u32 || g64 != u64 || gi32 != i32 || gf32 != f32 {
			t.Fatalf("round trip mismatch")
		}
	})
}

func drawText(t *rapid.T, label string, maxRunes int) string {
	return rapid.StringN(0, maxRunes, -1).Draw(t, label)
}

func drawPacket(t *rapid.T) Packet {
	kind := rapid.IntRange(0, 7).Draw(t, "kind")
	switch kind {
	case 0:
		return &Loopback{Sequence: rapid.Uint32().Draw(t, "seq"), SentAt: rapid.Uint64().Draw(t, "sentAt")}
	case 1:
		return &Handshake{
			NetworkID: NetworkID(rapid.Uint32().Draw(t, "id")),
			Operation: HandshakeOperation(rapid.IntRange(0, 2).Draw(t, "op")),
		}
	case 2:
		return &Administration{
			Operation: AdminOperation(rapid.IntRange(0, 7).Draw(t, "op")),
			Target:    NetworkID(rapid.Uint32().Draw(t, "target")),
			Text:      drawText(t, "text", MaxAdminTextChars),
		}
	case 3:
		return &Credentials{Username: drawText(t, "user", MaxUsernameChars), Password: drawText(t, "pass", MaxPasswordChars)}
	case 4:
		return &Username{NetworkID: NetworkID(rapid.Uint32().Draw(t, "id")), Name: drawText(t, "name", MaxUsernameChars)}
	case 5:
		rtt := rapid.MapOfN(rapid.Uint32(), rapid.Float32Range(0, 5000), 1, 20).Draw(t, "rtt")
		table := make(map[NetworkID]float32, len(rtt))
		for id, v := range rtt {
			table[NetworkID(id)] = v
		}
		return &Ping{RTT: table}
	case 6:
		var tags []string
		if n := rapid.IntRange(0, MaxTags).Draw(t, "tags"); n > 0 {
			tags = make([]string, n)
			for i := range tags {
				tags[i] = drawText(t, "tag", MaxTagChars)
			}
		}
		return &ServerInfo{
			MaxPlayers:  rapid.Uint16().Draw(t, "max"),
			Name:        drawText(t, "name", MaxServerNameChars),
			Tags:        tags,
			Description: drawText(t, "desc", MaxDescriptionChars),
			Password:    drawText(t, "pass", MaxPasswordChars),
		}
	default:
		total := rapid.Uint16Range(1, 500).Draw(t, "total")
		return &MultiPartMessage{
			NetworkID:   NetworkID(rapid.Uint32().Draw(t, "id")),
			PostTime:    rapid.Uint64().Draw(t, "post"),
			EditTime:    rapid.Uint64().Draw(t, "edit"),
			CurrentPart: rapid.Uint16Range(0, total-1).Draw(t, "current"),
			TotalParts:  total,
			Text:        drawText(t, "text", 400),
		}
	}
}

// TestPacketRoundTripProperty checks decode(encode(p)) == p and
// Size() == len(encode(p)) for every built-in type.
func TestPacketRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := drawPacket(t)

		body, err := EncodeBody(p)
		if err != nil {
			t.Fatalf("encode %s failed: %v", p.Type(), err)
		}
		if len(body) != p.Size() {
			t.Fatalf("%s size %d, encoded %d", p.Type(), p.Size(), len(body))
		}

		var buf bytes.Buffer
		if err := WritePacket(&buf, p); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		decoded, err := DefaultRegistry.ReadPacket(&buf)
		if err != nil {
			t.Fatalf("decode %s failed: %v", p.Type(), err)
		}
		again, err := EncodeBody(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(body, again) {
			t.Fatalf("%s did not survive a round trip", p.Type())
		}
	})
}

// TestBundleProperty checks ordering and the bundle size formula.
func TestBundleProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		bundle := &Bundle{}
		want := 2
		for i := 0; i < n; i++ {
			p := drawPacket(t)
			bundle.Add(p)
			want += 2 + p.Size()
		}
		if bundle.Size() != want {
			t.Fatalf("bundle size %d, want %d", bundle.Size(), want)
		}

		body, err := EncodeBody(bundle)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded := &Bundle{}
		if err := DecodeBody(decoded, body); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Len() != n {
			t.Fatalf("decoded %d packets, want %d", decoded.Len(), n)
		}
		for i, p := range bundle.Packets {
			if decoded.Packets[i].Type() != p.Type() {
				t.Fatalf("packet %d: type %s, want %s", i, decoded.Packets[i].Type(), p.Type())
			}
		}
	})
}

// TestDecodeNeverPanics throws random bytes at the datagram decoder.
func TestDecodeNeverPanics(t *testing.T) {
	codec, err := NewCodec(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		_, _ = codec.Decode(data)
	})
}
