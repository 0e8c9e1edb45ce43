// Package wireformat encodes/decodes the three service-channel message
// schemas named in spec §6 — HandshakeRequest, SecretHandshakeRequest, and
// PunchInfo — using tag+varint primitives from
// google.golang.org/protobuf/encoding/protowire. There is no .proto file and
// no protoc codegen step (none is available in this environment); each
// schema is hand-encoded/decoded field-by-field, matching the wire shape
// protoc would generate for the equivalent message. Field numbers are fixed
// below and must never be renumbered once peers may have seen them.
package wireformat

import (
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakeRequest field numbers.
const (
	handshakeFieldSecret  = 1
	handshakeFieldVersion = 2
)

// HandshakeRequest{secret: bool, version: string}.
type HandshakeRequest struct {
	Secret  bool
	Version string
}

func (r HandshakeRequest) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, handshakeFieldSecret, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(r.Secret))
	b = protowire.AppendTag(b, handshakeFieldVersion, protowire.BytesType)
	b = protowire.AppendString(b, r.Version)
	return b
}

func DecodeHandshakeRequest(b []byte) (HandshakeRequest, error) {
	var r HandshakeRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return HandshakeRequest{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == handshakeFieldSecret && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return HandshakeRequest{}, protowire.ParseError(n)
			}
			r.Secret = v != 0
			b = b[n:]
		case num == handshakeFieldVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return HandshakeRequest{}, protowire.ParseError(n)
			}
			r.Version = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return HandshakeRequest{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// SecretHandshakeRequest field numbers.
const (
	secretFieldToken = 1
	secretFieldKey   = 2
)

// SecretHandshakeRequest{token: string, key: bytes}.
type SecretHandshakeRequest struct {
	Token string
	Key   []byte
}

func (r SecretHandshakeRequest) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, secretFieldToken, protowire.BytesType)
	b = protowire.AppendString(b, r.Token)
	b = protowire.AppendTag(b, secretFieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Key)
	return b
}

func DecodeSecretHandshakeRequest(b []byte) (SecretHandshakeRequest, error) {
	var r SecretHandshakeRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SecretHandshakeRequest{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == secretFieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return SecretHandshakeRequest{}, protowire.ParseError(n)
			}
			r.Token = v
			b = b[n:]
		case num == secretFieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SecretHandshakeRequest{}, protowire.ParseError(n)
			}
			r.Key = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return SecretHandshakeRequest{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// PunchInfo field numbers, in the order listed by spec §6.
const (
	punchFieldReply           = 1
	punchFieldPublicIPList    = 2 // repeated fixed32 (big-endian IPv4)
	punchFieldPublicPort      = 3 // legacy singleton
	punchFieldPublicPorts     = 4 // repeated varint
	punchFieldPublicPortRange = 5
	punchFieldLocalIP         = 6
	punchFieldLocalPort       = 7 // legacy singleton
	punchFieldTCPPort         = 8
	punchFieldUDPPorts        = 9 // repeated varint
	punchFieldIPv6            = 10
	punchFieldIPv6Port        = 11
	punchFieldNATType         = 12
)

// PunchInfo carries one side's NAT profile plus the legacy singleton fields
// described in spec §6/§9's Open Question; BackfillLegacy (peerstore
// package) resolves singleton-vs-list precedence on decode.
type PunchInfo struct {
	Reply           bool
	PublicIPList    []netip.Addr // IPv4 only
	PublicPort      uint16       // legacy
	PublicPorts     []uint16
	PublicPortRange uint16
	LocalIP         netip.Addr
	LocalPort       uint16 // legacy
	TCPPort         uint16
	UDPPorts        []uint16
	IPv6            netip.Addr
	IPv6Port        uint16
	NATType         uint8 // peerstore.NATType, decoupled to avoid an import cycle
}

func (p PunchInfo) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, punchFieldReply, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(p.Reply))
	for _, ip := range p.PublicIPList {
		b = protowire.AppendTag(b, punchFieldPublicIPList, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, ipv4ToUint32(ip))
	}
	if p.PublicPort != 0 {
		b = protowire.AppendTag(b, punchFieldPublicPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.PublicPort))
	}
	for _, port := range p.PublicPorts {
		b = protowire.AppendTag(b, punchFieldPublicPorts, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(port))
	}
	if p.PublicPortRange != 0 {
		b = protowire.AppendTag(b, punchFieldPublicPortRange, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.PublicPortRange))
	}
	if p.LocalIP.IsValid() {
		b = protowire.AppendTag(b, punchFieldLocalIP, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, ipv4ToUint32(p.LocalIP))
	}
	if p.LocalPort != 0 {
		b = protowire.AppendTag(b, punchFieldLocalPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.LocalPort))
	}
	if p.TCPPort != 0 {
		b = protowire.AppendTag(b, punchFieldTCPPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.TCPPort))
	}
	for _, port := range p.UDPPorts {
		b = protowire.AppendTag(b, punchFieldUDPPorts, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(port))
	}
	if p.IPv6.IsValid() {
		b = protowire.AppendTag(b, punchFieldIPv6, protowire.BytesType)
		ip16 := p.IPv6.As16()
		b = protowire.AppendBytes(b, ip16[:])
	}
	if p.IPv6Port != 0 {
		b = protowire.AppendTag(b, punchFieldIPv6Port, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.IPv6Port))
	}
	b = protowire.AppendTag(b, punchFieldNATType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.NATType))
	return b
}

func DecodePunchInfo(b []byte) (PunchInfo, error) {
	var p PunchInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return PunchInfo{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == punchFieldReply && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.Reply = v != 0
			b = b[n:]
		case num == punchFieldPublicIPList && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.PublicIPList = append(p.PublicIPList, uint32ToIPv4(v))
			b = b[n:]
		case num == punchFieldPublicPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.PublicPort = uint16(v)
			b = b[n:]
		case num == punchFieldPublicPorts && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.PublicPorts = append(p.PublicPorts, uint16(v))
			b = b[n:]
		case num == punchFieldPublicPortRange && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.PublicPortRange = uint16(v)
			b = b[n:]
		case num == punchFieldLocalIP && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.LocalIP = uint32ToIPv4(v)
			b = b[n:]
		case num == punchFieldLocalPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.LocalPort = uint16(v)
			b = b[n:]
		case num == punchFieldTCPPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.TCPPort = uint16(v)
			b = b[n:]
		case num == punchFieldUDPPorts && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.UDPPorts = append(p.UDPPorts, uint16(v))
			b = b[n:]
		case num == punchFieldIPv6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			if len(v) == 16 {
				p.IPv6 = netip.AddrFrom16([16]byte(v))
			}
			b = b[n:]
		case num == punchFieldIPv6Port && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.IPv6Port = uint16(v)
			b = b[n:]
		case num == punchFieldNATType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			p.NATType = uint8(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return PunchInfo{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func ipv4ToUint32(ip netip.Addr) uint32 {
	a := ip.As4()
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

func uint32ToIPv4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
