package wire

import "encoding/binary"

// Packet is a decoded overlay datagram: its header plus the raw payload
// bytes that follow it (still in whatever form the Protocol/TransportProtocol
// says they're in — ciphertext if an envelope is configured, or plaintext
// for Service/Error packets before decryption has been applied upstream).
type Packet struct {
	Header  Header
	Payload []byte
}

// Parse splits b into a Header and the remaining payload slice. The payload
// slice aliases b; callers that need to retain it across the lifetime of a
// reused read buffer must copy it.
func Parse(b []byte) (Packet, error) {
	h, err := Decode(b)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: b[HeaderLen:]}, nil
}

// Build encodes h followed by payload into a freshly allocated buffer with
// extra spare capacity reserved at the end (for in-place AEAD sealing by the
// cipher envelope).
func Build(h Header, payload []byte, reserve int) []byte {
	enc := h.Encode()
	buf := make([]byte, HeaderLen+len(payload), HeaderLen+len(payload)+reserve)
	copy(buf, enc[:])
	copy(buf[HeaderLen:], payload)
	return buf
}

// PingPayload is the (empty) body of a Control/Ping packet; pings carry no
// payload beyond the header.
type PingPayload struct{}

// PongPayload carries the 16-bit truncated wall-clock tag used to compute
// RTT without needing a full 64-bit timestamp on the wire.
type PongPayload struct {
	Time16 uint16
}

// EncodePong serializes a PongPayload.
func EncodePong(p PongPayload) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, p.Time16)
	return b
}

// DecodePong parses a PongPayload.
func DecodePong(b []byte) (PongPayload, error) {
	if len(b) < 2 {
		return PongPayload{}, ErrMalformed
	}
	return PongPayload{Time16: binary.BigEndian.Uint16(b)}, nil
}

// Now16 truncates a Unix-millisecond timestamp to the 16-bit wall-clock tag
// used by Ping/Pong. The tag wraps roughly every 65.5 seconds when measured
// in milliseconds, which is the unit used here (matches §9's documented
// wraparound window).
func Now16(unixMilli int64) uint16 {
	return uint16(unixMilli)
}

// PongRTTMillis computes the RTT in milliseconds from a Pong's echoed tag and
// the current 16-bit tag. A negative result means the measurement wrapped or
// is otherwise unusable and must be discarded by the caller (§4.8, §9).
func PongRTTMillis(now, echoed uint16) int32 {
	return int32(now) - int32(echoed)
}
