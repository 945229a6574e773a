// Package proto implements the R/IPC wire protocol: a length-prefixed,
// CRC32-checked, magic-resynchronizing frame format used between the pipe
// worker and a remote controller.
//
// All multi-byte fields are little-endian. The format is not designed for
// embedded devices.
package proto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math/big"
	"sync"
	"time"
)

type ClientID = uint64
type SocksID = uint64

const InvalidClientID ClientID = 0
const InvalidSocksID SocksID = 0

// Opcode identifies the purpose of a packet.
type Opcode uint8

const (
	OpChannelSetup      Opcode = 1
	OpChannelSetupAck   Opcode = 2
	OpStatus            Opcode = 5
	OpPing              Opcode = 10
	OpSocks             Opcode = 150 // sent by either side
	OpSocksClose        Opcode = 151 // sent by either side
	OpSocksDisconnected Opcode = 152 // sent by either side
	OpUninstallSelf     Opcode = 240
)

// Status is the payload of an OpStatus reply.
type Status uint8

const (
	StatusOK          Status = 0
	StatusUnsupported Status = 1 // e.g. unsupported opcode
)

// ChannelSetupFlags declares which direction(s) a channel instance serves.
type ChannelSetupFlags uint32

const (
	ChanSetupRead   ChannelSetupFlags = 0x01 // peer uses this channel to read data
	ChanSetupWrite  ChannelSetupFlags = 0x02 // peer uses this channel to write data
	ChanSetupDuplex                   = ChanSetupRead | ChanSetupWrite
)

func (f ChannelSetupFlags) Has(bit ChannelSetupFlags) bool { return f&bit != 0 }

// Magic opens every packet; a receiver resynchronizes on this byte sequence
// when the stream gets corrupted or desynchronized.
var Magic = [4]byte{0xe4, 0x85, 0xb4, 0xb2}

const (
	HeaderLen      = 17 // magic(4) + len(4) + crc32(4) + uid(4) + opcode(1)
	MaxPacketSize  = 16 * 1024 * 1024
	MaxPayloadSize = MaxPacketSize - HeaderLen
)

// Header is the fixed 17-byte prefix of every packet.
type Header struct {
	Len    uint32 // total packet length, header included
	CRC32  uint32 // over the whole packet, this field treated as zero
	UID    uint32 // correlates a request with its response; 0 only valid on a response
	Opcode Opcode
}

var (
	ErrGarbage    = errors.New("proto: no packet found in stream")
	ErrIncomplete = errors.New("proto: packet incomplete")
	ErrMalformed  = errors.New("proto: unexpected packet content or size")
	ErrTooBig     = errors.New("proto: declared packet length too big")
	ErrCRC        = errors.New("proto: header crc32 mismatch")
)

// GenerateUID returns a nonzero, mostly-unique 32-bit id for pairing a
// request with its response. uid==0 is reserved for unsolicited packets.
func GenerateUID() uint32 {
	for {
		now := uint32(time.Now().UnixNano())
		shuffle := randUint32()
		uid := (now & 0x0000f0ff) | (shuffle & 0xffff0f00)
		if uid != 0 {
			return uid
		}
	}
}

// GenerateClientID returns a random nonzero client identifier.
func GenerateClientID() ClientID {
	for {
		id := randUint64()
		if id != InvalidClientID {
			return id
		}
	}
}

func randUint32() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return uint32(time.Now().UnixNano())
	}
	return uint32(n.Uint64())
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// crc32Packet computes the zlib-compatible CRC32 of packet, treating the
// 4 bytes at the crc32 field offset as zero without mutating the input.
func crc32Packet(packet []byte) uint32 {
	const crcOff = 4 + 4 // magic(4) + len(4)
	h := crc32.NewIEEE()
	h.Write(packet[:crcOff])
	var zero [4]byte
	h.Write(zero[:])
	h.Write(packet[crcOff+4:])
	return h.Sum32()
}

// packetPool reuses packet byte buffers across encode/decode calls the way
// the teacher's framer pools *proto.Frame and fixed buffers.
var packetPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

func getPacketBuf(n int) []byte {
	bp := packetPool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		b = make([]byte, n)
	} else {
		b = b[:n]
	}
	return b
}

// PutPacketBuf returns a packet buffer obtained from a Make* builder to the
// pool. Callers that keep no further reference to the slice may call this
// to reduce allocation pressure on hot paths.
func PutPacketBuf(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	packetPool.Put(&b)
}

func buildHeader(buf []byte, uid uint32, opcode Opcode) {
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	// buf[8:12] (crc32) left zero until consolidate
	binary.LittleEndian.PutUint32(buf[12:16], uid)
	buf[16] = byte(opcode)
}

func consolidate(buf []byte) []byte {
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	crc := crc32Packet(buf)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

func makePacket(payloadLen int, uid uint32, opcode Opcode) []byte {
	buf := getPacketBuf(HeaderLen + payloadLen)
	buildHeader(buf, uid, opcode)
	return buf
}

// MakeChannelSetup builds an OpChannelSetup packet (uid is freshly generated).
func MakeChannelSetup(clientID ClientID, flags ChannelSetupFlags) []byte {
	buf := makePacket(12, GenerateUID(), OpChannelSetup)
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], clientID)
	binary.LittleEndian.PutUint32(buf[HeaderLen+8:HeaderLen+12], uint32(flags))
	return consolidate(buf)
}

// MakeChannelSetupAck builds an OpChannelSetupAck packet echoing uid.
func MakeChannelSetupAck(uid uint32, clientID ClientID) []byte {
	buf := makePacket(8, uid, OpChannelSetupAck)
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], clientID)
	return consolidate(buf)
}

// MakeStatus builds an OpStatus packet echoing uid.
func MakeStatus(uid uint32, status Status) []byte {
	buf := makePacket(1, uid, OpStatus)
	buf[HeaderLen] = byte(status)
	return consolidate(buf)
}

// MakePing builds an unsolicited OpPing packet.
func MakePing() []byte {
	buf := makePacket(0, 0, OpPing)
	return consolidate(buf)
}

// MakeSocks builds an OpSocks packet carrying an inner SOCKS byte sequence.
func MakeSocks(socksID SocksID, socksPacket []byte) []byte {
	buf := makePacket(8+len(socksPacket), 0, OpSocks)
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], socksID)
	copy(buf[HeaderLen+8:], socksPacket)
	return consolidate(buf)
}

// MakeSocksClose builds an OpSocksClose packet.
func MakeSocksClose(socksID SocksID) []byte {
	buf := makePacket(8, 0, OpSocksClose)
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], socksID)
	return consolidate(buf)
}

// MakeSocksDisconnected builds an OpSocksDisconnected packet.
func MakeSocksDisconnected(socksID SocksID) []byte {
	buf := makePacket(8, 0, OpSocksDisconnected)
	binary.LittleEndian.PutUint64(buf[HeaderLen:HeaderLen+8], socksID)
	return consolidate(buf)
}

// MakeUninstallSelf builds an OpUninstallSelf packet.
func MakeUninstallSelf() []byte {
	buf := makePacket(0, 0, OpUninstallSelf)
	return consolidate(buf)
}

// ParseHeader decodes the fixed header from the first HeaderLen bytes of packet.
func ParseHeader(packet []byte) Header {
	return Header{
		Len:    binary.LittleEndian.Uint32(packet[4:8]),
		CRC32:  binary.LittleEndian.Uint32(packet[8:12]),
		UID:    binary.LittleEndian.Uint32(packet[12:16]),
		Opcode: Opcode(packet[16]),
	}
}

// ParseChannelSetup decodes an OpChannelSetup payload.
func ParseChannelSetup(packet []byte) (ClientID, ChannelSetupFlags) {
	p := packet[HeaderLen:]
	return binary.LittleEndian.Uint64(p[0:8]), ChannelSetupFlags(binary.LittleEndian.Uint32(p[8:12]))
}

// ParseChannelSetupAck decodes an OpChannelSetupAck payload.
func ParseChannelSetupAck(packet []byte) ClientID {
	return binary.LittleEndian.Uint64(packet[HeaderLen : HeaderLen+8])
}

// ParseStatus decodes an OpStatus payload.
func ParseStatus(packet []byte) Status {
	return Status(packet[HeaderLen])
}

// ParseSocksHeader decodes the socks_id shared by OpSocks, OpSocksClose and
// OpSocksDisconnected, returning the id and the remaining payload (only
// meaningful for OpSocks).
func ParseSocksHeader(packet []byte) (SocksID, []byte) {
	p := packet[HeaderLen:]
	return binary.LittleEndian.Uint64(p[0:8]), p[8:]
}

func minPayloadLen(opcode Opcode) (exact int, min int) {
	switch opcode {
	case OpChannelSetup:
		return 12, 0
	case OpChannelSetupAck:
		return 8, 0
	case OpStatus:
		return 1, 0
	case OpPing, OpUninstallSelf:
		return 0, 0
	case OpSocksClose, OpSocksDisconnected:
		return 8, 0
	case OpSocks:
		return 0, 9 // socks_id plus a nonempty body: an empty SOCKS payload is malformed
	default:
		return -1, 0 // unknown opcode: no payload size to enforce
	}
}

// extractPacket validates and returns the single packet occupying the front
// of stream, assuming its magic has already been located at offset 0.
func extractPacket(stream []byte) ([]byte, error) {
	if len(stream) < HeaderLen {
		return nil, ErrIncomplete
	}
	declaredLen := binary.LittleEndian.Uint32(stream[4:8])
	if uint64(declaredLen) > MaxPacketSize {
		return nil, ErrTooBig
	}
	if declaredLen < HeaderLen {
		return nil, ErrMalformed
	}
	if uint64(len(stream)) < uint64(declaredLen) {
		return nil, ErrIncomplete
	}

	packet := stream[:declaredLen]
	wantCRC := binary.LittleEndian.Uint32(packet[8:12])
	if crc32Packet(packet) != wantCRC {
		return nil, ErrCRC
	}

	opcode := Opcode(packet[16])
	payloadLen := int(declaredLen) - HeaderLen
	exact, min := minPayloadLen(opcode)
	switch {
	case opcode == OpSocks:
		if payloadLen < min {
			return nil, ErrMalformed
		}
	case exact >= 0 && payloadLen != exact:
		return nil, ErrMalformed
	}
	return packet, nil
}

// ExtractNextPacket scans *streamBuf for a magic-prefixed packet, validates
// it, and removes the consumed bytes from *streamBuf.
//
// The amount trimmed from the buffer on failure differs by error, mirroring
// the original service exactly: garbage clears the whole buffer (nothing
// resembling a packet is present), incomplete trims up to (not including)
// the magic so a partial packet already in flight is preserved, malformed/
// crc trims exactly the declared packet length (it's a real packet, just a
// bad one), and toobig trims only the magic bytes because the declared
// length itself is untrusted and may be nonsense.
func ExtractNextPacket(streamBuf *[]byte) (packet []byte, uid uint32, err error) {
	s := *streamBuf
	idx := indexMagic(s)
	if idx < 0 {
		*streamBuf = nil
		return nil, 0, ErrGarbage
	}
	if idx > 0 {
		s = s[idx:]
	}
	if len(s) < HeaderLen {
		*streamBuf = s
		return nil, 0, ErrIncomplete
	}

	pkt, perr := extractPacket(s)
	switch perr {
	case nil:
		out := make([]byte, len(pkt))
		copy(out, pkt)
		*streamBuf = s[len(pkt):]
		return out, binary.LittleEndian.Uint32(out[12:16]), nil
	case ErrIncomplete:
		*streamBuf = s
		return nil, 0, ErrIncomplete
	case ErrTooBig:
		*streamBuf = s[len(Magic):]
		return nil, 0, ErrTooBig
	default: // ErrMalformed, ErrCRC
		declaredLen := binary.LittleEndian.Uint32(s[4:8])
		if uint64(declaredLen) > uint64(len(s)) {
			declaredLen = uint32(len(s))
		}
		*streamBuf = s[declaredLen:]
		return nil, 0, perr
	}
}

func indexMagic(s []byte) int {
	if len(s) < len(Magic) {
		return -1
	}
	for i := 0; i+len(Magic) <= len(s); i++ {
		if s[i] == Magic[0] && s[i+1] == Magic[1] && s[i+2] == Magic[2] && s[i+3] == Magic[3] {
			return i
		}
	}
	return -1
}
