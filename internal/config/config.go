// Package config defines the node's CLI/environment surface, per spec §6
// ("CLI surface (collaborator, not core)") and §1's Non-goal that
// excludes a config parser from the core. The loader is adapted from
// `pkg/atlas/config.go`'s reflection-driven `env:"KEY=default"` struct
// tag scheme: a `VNT_` prefix replaces `ATLAS_`, comma-separated strings
// become slices, and unknown env vars are rejected the same way.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CipherSuite names the envelope cipher selected for outgoing packets,
// mirroring internal/cipher.Suite without importing it (keeps config
// dependency-free of the core).
type CipherSuite string

const (
	CipherNone      CipherSuite = "none"
	CipherAESGCM    CipherSuite = "aes-gcm"
	CipherAESCBCMAC CipherSuite = "aes-cbc-mac"
	CipherAESECB    CipherSuite = "aes-ecb"
	CipherSM4CBC    CipherSuite = "sm4-cbc"
)

// PunchModel selects which address families the punch engine attempts,
// per spec §4.6.
type PunchModel string

const (
	PunchModelIPv4 PunchModel = "ipv4"
	PunchModelIPv6 PunchModel = "ipv6"
	PunchModelAll  PunchModel = "all"
)

// ChannelType selects whether a peer route may use direct (p2p), relayed,
// or either kind of channel, per spec §4.4/§4.6.
type ChannelType string

const (
	ChannelRelay ChannelType = "relay"
	ChannelP2P   ChannelType = "p2p"
	ChannelAll   ChannelType = "all"
)

// Config is the full CLI/environment surface of the node.
type Config struct {
	// Registration token issued by the server for this network.
	Token string `env:"VNT_TOKEN"`

	// Server address, host:port.
	Server string `env:"VNT_SERVER"`

	// STUN servers used for NAT classification (comma-separated).
	StunServers []string `env:"VNT_STUN_SERVERS=stun.vnt.net:3478"`

	// This node's display name, advertised to peers.
	DeviceName string `env:"VNT_DEVICE_NAME"`

	// A virtual IP to request explicitly instead of letting the server
	// assign one.
	AssignIP netip.Addr `env:"VNT_ASSIGN_IP"`

	// Envelope cipher for outgoing packets.
	Cipher CipherSuite `env:"VNT_CIPHER=none"`

	// Client secret used to derive the envelope key, when Cipher != none.
	Secret string `env:"VNT_SECRET"`

	// Server RSA public key, PEM-encoded, used to bootstrap the first
	// handshake's wrapped symmetric key (spec §4.2's server-facing RSA
	// wrap). Empty disables the RSA-wrapped path in favor of a plain
	// HandshakeRequest.
	ServerPublicKeyPEM string `env:"VNT_SERVER_PUBLIC_KEY"`

	// Whether to append the keyed packet fingerprint (spec §4.2).
	Fingerprint bool `env:"VNT_FINGERPRINT"`

	// MTU advertised to the tun device; defaults follow spec §6 (1450
	// unencrypted, 1410 encrypted) and are resolved by EffectiveMTU.
	MTU int `env:"VNT_MTU"`

	// Punch engine address-family model.
	PunchModel PunchModel `env:"VNT_PUNCH_MODEL=all"`

	// Preferred channel kind for new routes.
	ChannelType ChannelType `env:"VNT_CHANNEL_TYPE=all"`

	// Rank routes by (rtt, metric) instead of the default (metric, rtt).
	FirstLatency bool `env:"VNT_FIRST_LATENCY"`

	// Local UDP ports to bind, one socket per port (comma-separated).
	Ports []int `env:"VNT_PORTS=0"`

	// CIDR allow-list for inbound IP-proxy traffic (comma-separated).
	InIPs []netip.Prefix `env:"VNT_IN_IPS"`

	// CIDR allow-list for outbound IP-proxy traffic (comma-separated).
	OutIPs []netip.Prefix `env:"VNT_OUT_IPS"`

	// Fault injection: fraction of outgoing packets to drop, [0,1].
	PacketLossRate float64 `env:"VNT_PACKET_LOSS_RATE"`

	// Fault injection: extra latency applied to outgoing packets.
	PacketDelay time.Duration `env:"VNT_PACKET_DELAY"`

	// Local control socket path for the `route`/`list`/`info`/`stop`
	// introspection API (spec §6).
	ControlSocket string `env:"VNT_CONTROL_SOCKET"`

	LogStdout       bool          `env:"VNT_LOG_STDOUT=true"`
	LogStdoutPretty bool          `env:"VNT_LOG_STDOUT_PRETTY=true"`
	LogStdoutLevel  zerolog.Level `env:"VNT_LOG_STDOUT_LEVEL=info"`
	LogFile         string        `env:"VNT_LOG_FILE"`
	LogFileLevel    zerolog.Level `env:"VNT_LOG_FILE_LEVEL=info"`
	LogLevel        zerolog.Level `env:"VNT_LOG_LEVEL=info"`
}

// EffectiveMTU resolves the configured MTU to spec §6's defaults when
// unset: 1450 for an unencrypted envelope, 1410 once a cipher is active.
func (c *Config) EffectiveMTU() int {
	if c.MTU != 0 {
		return c.MTU
	}
	if c.Cipher == CipherNone || c.Cipher == "" {
		return 1450
	}
	return 1410
}

// UnmarshalEnv populates c from es (a list of "KEY=VALUE" strings, as from
// os.Environ or a parsed env file), applying each field's default when its
// key is absent.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok && strings.HasPrefix(k, "VNT_") {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		tag, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, def, _ := strings.Cut(tag, "=")
		val := def
		if v, exists := em[key]; exists {
			val = v
			delete(em, key)
		}

		field := cv.FieldByIndex(ctf.Index)
		if err := setField(field, val); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}

	for key := range em {
		return fmt.Errorf("unknown environment variable %q", key)
	}
	return nil
}

func setField(field reflect.Value, val string) error {
	switch field.Interface().(type) {
	case string:
		field.SetString(val)
	case int:
		if val == "" {
			field.SetInt(0)
			return nil
		}
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case float64:
		if val == "" {
			field.SetFloat(0)
			return nil
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case bool:
		if val == "" {
			field.SetBool(false)
			return nil
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case []string:
		if val == "" {
			field.Set(reflect.ValueOf([]string{}))
			return nil
		}
		field.Set(reflect.ValueOf(strings.Split(val, ",")))
	case []int:
		if val == "" {
			field.Set(reflect.ValueOf([]int{}))
			return nil
		}
		parts := strings.Split(val, ",")
		out := make([]int, len(parts))
		for i, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return err
			}
			out[i] = v
		}
		field.Set(reflect.ValueOf(out))
	case []netip.Prefix:
		if val == "" {
			field.Set(reflect.ValueOf([]netip.Prefix{}))
			return nil
		}
		parts := strings.Split(val, ",")
		out := make([]netip.Prefix, len(parts))
		for i, p := range parts {
			v, err := netip.ParsePrefix(strings.TrimSpace(p))
			if err != nil {
				return err
			}
			out[i] = v
		}
		field.Set(reflect.ValueOf(out))
	case netip.Addr:
		if val == "" {
			field.Set(reflect.ValueOf(netip.Addr{}))
			return nil
		}
		v, err := netip.ParseAddr(val)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(v))
	case time.Duration:
		if val == "" {
			field.Set(reflect.ValueOf(time.Duration(0)))
			return nil
		}
		v, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(v))
	case zerolog.Level:
		if val == "" {
			field.Set(reflect.ValueOf(zerolog.InfoLevel))
			return nil
		}
		v, err := zerolog.ParseLevel(val)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(v))
	case CipherSuite:
		field.Set(reflect.ValueOf(CipherSuite(val)))
	case PunchModel:
		field.Set(reflect.ValueOf(PunchModel(val)))
	case ChannelType:
		field.Set(reflect.ValueOf(ChannelType(val)))
	default:
		return fmt.Errorf("unhandled config field type %T", field.Interface())
	}
	return nil
}
