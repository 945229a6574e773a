package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMakeParseChannelSetup(t *testing.T) {
	pkt := MakeChannelSetup(0x1122334455667788, ChanSetupDuplex)
	if len(pkt) != HeaderLen+12 {
		t.Fatalf("unexpected packet length %d", len(pkt))
	}
	h := ParseHeader(pkt)
	if h.Opcode != OpChannelSetup {
		t.Fatalf("opcode = %v, want OpChannelSetup", h.Opcode)
	}
	if h.UID == 0 {
		t.Fatal("channel setup uid must be nonzero")
	}
	clientID, flags := ParseChannelSetup(pkt)
	if clientID != 0x1122334455667788 {
		t.Fatalf("client id = %x", clientID)
	}
	if flags != ChanSetupDuplex {
		t.Fatalf("flags = %v", flags)
	}
}

func TestMakeParseChannelSetupAck(t *testing.T) {
	pkt := MakeChannelSetupAck(42, 7)
	h := ParseHeader(pkt)
	if h.UID != 42 {
		t.Fatalf("uid = %d, want 42 (must echo request)", h.UID)
	}
	if got := ParseChannelSetupAck(pkt); got != 7 {
		t.Fatalf("client id = %d", got)
	}
}

func TestMakeParseSocks(t *testing.T) {
	inner := []byte{0x05, 0x01, 0x00}
	pkt := MakeSocks(99, inner)
	id, body := ParseSocksHeader(pkt)
	if id != 99 {
		t.Fatalf("socks id = %d", id)
	}
	if !bytes.Equal(body, inner) {
		t.Fatalf("body = %x, want %x", body, inner)
	}
}

func TestExtractNextPacketRoundTrip(t *testing.T) {
	pkt := MakePing()
	stream := append([]byte{}, pkt...)
	out, uid, err := ExtractNextPacket(&stream)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if uid != 0 {
		t.Fatalf("ping uid = %d, want 0", uid)
	}
	if !bytes.Equal(out, pkt) {
		t.Fatal("round-tripped packet mismatch")
	}
	if len(stream) != 0 {
		t.Fatalf("leftover stream = %d bytes", len(stream))
	}
}

func TestExtractNextPacketIncomplete(t *testing.T) {
	pkt := MakeStatus(1, StatusOK)
	stream := append([]byte{}, pkt[:len(pkt)-2]...)
	before := len(stream)
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrIncomplete {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if len(stream) != before {
		t.Fatal("incomplete packet must not be trimmed")
	}
}

func TestExtractNextPacketGarbage(t *testing.T) {
	stream := []byte{0, 1, 2, 3, 4, 5}
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrGarbage {
		t.Fatalf("err = %v, want ErrGarbage", err)
	}
	if stream != nil {
		t.Fatal("garbage must clear the whole buffer")
	}
}

func TestExtractNextPacketResync(t *testing.T) {
	pkt := MakePing()
	stream := append([]byte{0xff, 0xff, 0xff}, pkt...)
	out, _, err := ExtractNextPacket(&stream)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !bytes.Equal(out, pkt) {
		t.Fatal("packet mismatch after resync")
	}
}

func TestExtractNextPacketCRCMismatch(t *testing.T) {
	pkt := MakePing()
	corrupt := append([]byte{}, pkt...)
	corrupt[HeaderLen-1] ^= 0xff // flip a header byte without fixing the crc
	stream := append([]byte{}, corrupt...)
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrCRC {
		t.Fatalf("err = %v, want ErrCRC", err)
	}
	if len(stream) != 0 {
		t.Fatalf("crc error must trim exactly header.Len bytes, leftover %d", len(stream))
	}
}

func TestExtractNextPacketTooBig(t *testing.T) {
	pkt := MakePing()
	corrupt := append([]byte{}, pkt...)
	corrupt[4] = 0xff
	corrupt[5] = 0xff
	corrupt[6] = 0xff
	corrupt[7] = 0x7f
	stream := append([]byte{}, corrupt...)
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrTooBig {
		t.Fatalf("err = %v, want ErrTooBig", err)
	}
	if len(stream) != len(corrupt)-4 {
		t.Fatalf("toobig must trim only magic bytes, leftover %d", len(stream))
	}
}

func TestExtractNextPacketMalformedShortSocks(t *testing.T) {
	pkt := MakeSocks(1, nil) // HeaderLen + 8 (socks_id only)
	corrupt := append([]byte{}, pkt...)
	corrupt = corrupt[:len(corrupt)-1] // drop a byte of the socks_id
	corrupt[4] = byte(len(corrupt))
	binary.LittleEndian.PutUint32(corrupt[8:12], crc32Packet(corrupt))
	stream := append([]byte{}, corrupt...)
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if len(stream) != 0 {
		t.Fatalf("malformed must trim exactly header.Len bytes, leftover %d", len(stream))
	}
}

func TestExtractNextPacketMalformedEmptySocksPayload(t *testing.T) {
	pkt := MakeSocks(1, nil) // len == HeaderLen + 8: socks_id with no inner SOCKS bytes
	stream := append([]byte{}, pkt...)
	_, _, err := ExtractNextPacket(&stream)
	if err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if len(stream) != 0 {
		t.Fatalf("malformed must trim exactly header.Len bytes, leftover %d", len(stream))
	}
}

func TestGenerateUIDNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if GenerateUID() == 0 {
			t.Fatal("generated uid == 0")
		}
	}
}

func TestGenerateClientIDNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if GenerateClientID() == 0 {
			t.Fatal("generated client id == 0")
		}
	}
}
