// Package tundev defines the tun-device contract the core depends on.
// Actually opening and configuring a tun device (MTU, address, routing
// table entries) is platform-specific OS integration and is a Non-goal
// per spec §1 — production wiring plugs in an external device such as
// one backed by github.com/songgao/water; this package only fixes the
// interface the rest of the node programs against.
package tundev

// Reader reads whole IPv4 packets from a tun device.
type Reader interface {
	ReadIPv4() ([]byte, error)
}

// Writer writes a whole IPv4 packet to a tun device.
type Writer interface {
	WriteIPv4(packet []byte) error
}

// Device is the full duplex contract: something that can be read from and
// written to, and closed when the node shuts down.
type Device interface {
	Reader
	Writer
	Close() error
}
