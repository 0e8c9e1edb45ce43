// Package wire implements the 12-byte overlay datagram header and the
// typed protocol/sub-protocol constants carried in it.
package wire

import (
	"errors"
	"net/netip"
)

// HeaderLen is the fixed size of an overlay datagram header.
const HeaderLen = 12

// Version is the only protocol version this implementation understands.
const Version = 1

// MaxTTL is the TTL value used when originating a packet.
const MaxTTL = 15

var (
	ErrMalformed    = errors.New("wire: malformed packet")
	ErrUnsupported  = errors.New("wire: unsupported version")
	ErrReservedBit  = errors.New("wire: reserved bit set")
)

// Flag bits packed into the low nibble of byte 0.
type Flag uint8

const (
	// FlagGateway marks a packet as addressed to/from the rendezvous gateway.
	FlagGateway Flag = 1 << 0

	flagReservedMask Flag = 0b1110
)

// Protocol identifies the top-level kind of packet.
type Protocol uint8

const (
	ProtocolService  Protocol = 1
	ProtocolError    Protocol = 2
	ProtocolControl  Protocol = 3
	ProtocolIPTurn   Protocol = 4
	ProtocolOtherTurn Protocol = 5
	ProtocolUnknown  Protocol = 0
)

func (p Protocol) String() string {
	switch p {
	case ProtocolService:
		return "service"
	case ProtocolError:
		return "error"
	case ProtocolControl:
		return "control"
	case ProtocolIPTurn:
		return "ip_turn"
	case ProtocolOtherTurn:
		return "other_turn"
	default:
		return "unknown"
	}
}

// Control sub-protocols (Protocol == ProtocolControl).
type ControlType uint8

const (
	ControlPing         ControlType = 1
	ControlPong         ControlType = 2
	ControlPunchRequest ControlType = 3
	ControlPunchResponse ControlType = 4
	ControlAddrRequest  ControlType = 5
	ControlAddrResponse ControlType = 6
)

// IPTurn sub-protocols (Protocol == ProtocolIPTurn).
type IPTurnType uint8

const (
	IPTurnIPv4          IPTurnType = 1
	IPTurnIPv4Broadcast IPTurnType = 2
)

// OtherTurn sub-protocols (Protocol == ProtocolOtherTurn).
type OtherTurnType uint8

const (
	OtherTurnPunch OtherTurnType = 1
)

// Header is the fixed 12-byte overlay header, decoded into fields for easy
// access. Use Encode/Decode to convert to/from the wire representation.
type Header struct {
	Flags             Flag
	Protocol          Protocol
	TransportProtocol uint8 // interpreted per Protocol (ControlType/IPTurnType/OtherTurnType)
	TTL               uint8 // current hop count remaining, high nibble on the wire
	SourceTTL         uint8 // TTL the packet was originated with, low nibble on the wire
	Source            netip.Addr
	Destination       netip.Addr
}

// Encode writes h to a 12-byte buffer.
func (h Header) Encode() [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = byte(Version<<4) | byte(h.Flags&^flagReservedMask)
	b[1] = byte(h.Protocol)
	b[2] = h.TransportProtocol
	b[3] = byte(h.TTL<<4) | byte(h.SourceTTL&0xF)
	src := h.Source.As4()
	dst := h.Destination.As4()
	copy(b[4:8], src[:])
	copy(b[8:12], dst[:])
	return b
}

// Decode parses a 12-byte header. It validates the version nibble and
// rejects packets with reserved bits set in the flags nibble; any other
// malformed input (short buffer) is reported as ErrMalformed. Decoding never
// panics on attacker-controlled input.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrMalformed
	}
	ver := b[0] >> 4
	if ver != Version {
		return Header{}, ErrUnsupported
	}
	flags := Flag(b[0] & 0xF)
	if flags&flagReservedMask != 0 {
		return Header{}, ErrReservedBit
	}
	h := Header{
		Flags:             flags,
		Protocol:          Protocol(b[1]),
		TransportProtocol: b[2],
		TTL:               b[3] >> 4,
		SourceTTL:         b[3] & 0xF,
		Source:            netip.AddrFrom4([4]byte(b[4:8])),
		Destination:       netip.AddrFrom4([4]byte(b[8:12])),
	}
	return h, nil
}

// WithTTLZeroed returns a copy of the encoded header with the TTL byte
// zeroed, used as additional authenticated data so that TTL decrements in
// flight (done by relays) don't invalidate the envelope's authentication tag.
func WithTTLZeroed(b [HeaderLen]byte) [HeaderLen]byte {
	b[3] = 0
	return b
}

// Metric derives the hop metric of an inbound Ping from the difference
// between the packet's originating TTL and its current TTL, per §4.8.
func Metric(sourceTTL, ttl uint8) int {
	return int(sourceTTL) - int(ttl) + 1
}
