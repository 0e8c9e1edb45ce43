package handler

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/channel"
	"github.com/vnt-go/vnt/internal/cipher"
	"github.com/vnt-go/vnt/internal/peerstore"
	"github.com/vnt-go/vnt/internal/routetable"
	"github.com/vnt-go/vnt/internal/wire"
)

type fakeSender struct {
	sent []struct {
		buf []byte
		key channel.RouteKey
	}
}

func (f *fakeSender) SendByKey(buf []byte, key channel.RouteKey) error {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, struct {
		buf []byte
		key channel.RouteKey
	}{cp, key})
	return nil
}

func newTestHandler(t *testing.T, sender *fakeSender, relayOnly bool) (*Handler, *routetable.Table, cipher.Envelope) {
	t.Helper()
	env, err := cipher.New(cipher.SuiteNone, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	routes := routetable.New(time.Minute, time.Second, time.Millisecond)
	peers := peerstore.New()
	h := New(Config{
		Log:       zerolog.Nop(),
		Envelope:  env,
		Routes:    routes,
		Peers:     peers,
		Sender:    sender,
		LocalIP:   netip.MustParseAddr("10.0.0.1"),
		RelayOnly: relayOnly,
	})
	return h, routes, env
}

func sealedPacket(t *testing.T, env cipher.Envelope, hd wire.Header, payload []byte) []byte {
	t.Helper()
	buf := wire.Build(hd, payload, env.Reserve())
	sealed, err := env.Seal(hd, buf[wire.HeaderLen:])
	if err != nil {
		t.Fatal(err)
	}
	return append(buf[:wire.HeaderLen:wire.HeaderLen], sealed...)
}

func TestHandlePingRespondsWithPongAndRecordsRoute(t *testing.T) {
	sender := &fakeSender{}
	h, routes, env := newTestHandler(t, sender, false)

	key := channel.RouteKey{SocketIndex: 0, Remote: netip.MustParseAddrPort("1.2.3.4:5000")}
	hd := wire.Header{
		Protocol:          wire.ProtocolControl,
		TransportProtocol: uint8(wire.ControlPing),
		TTL:               wire.MaxTTL,
		SourceTTL:         wire.MaxTTL,
		Source:            netip.MustParseAddr("10.0.0.2"),
		Destination:       netip.MustParseAddr("10.0.0.1"),
	}
	raw := sealedPacket(t, env, hd, nil)

	if err := h.Handle(key, raw); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(sender.sent))
	}
	entry, ok := routes.Route(hd.Source)
	if !ok || entry.Metric != 1 {
		t.Fatalf("expected metric-1 route recorded, got %+v ok=%v", entry, ok)
	}
}

func TestHandlePunchRequestIgnoredInRelayOnlyMode(t *testing.T) {
	sender := &fakeSender{}
	h, routes, env := newTestHandler(t, sender, true)

	key := channel.RouteKey{SocketIndex: 0, Remote: netip.MustParseAddrPort("1.2.3.4:5000")}
	hd := wire.Header{
		Protocol:          wire.ProtocolControl,
		TransportProtocol: uint8(wire.ControlPunchRequest),
		TTL:               wire.MaxTTL,
		SourceTTL:         wire.MaxTTL,
		Source:            netip.MustParseAddr("10.0.0.2"),
		Destination:       netip.MustParseAddr("10.0.0.1"),
	}
	raw := sealedPacket(t, env, hd, nil)

	if err := h.Handle(key, raw); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("expected no PunchResponse in relay-only mode")
	}
	if _, ok := routes.Route(hd.Source); ok {
		t.Fatal("expected no route inserted in relay-only mode")
	}
}

func TestHandleAddrRequestIgnoresIPv6Requester(t *testing.T) {
	sender := &fakeSender{}
	h, _, env := newTestHandler(t, sender, false)

	key := channel.RouteKey{SocketIndex: 0, Remote: netip.MustParseAddrPort("[::1]:5000")}
	hd := wire.Header{
		Protocol:          wire.ProtocolControl,
		TransportProtocol: uint8(wire.ControlAddrRequest),
		TTL:               wire.MaxTTL,
		SourceTTL:         wire.MaxTTL,
		Source:            netip.MustParseAddr("10.0.0.2"),
		Destination:       netip.MustParseAddr("10.0.0.1"),
	}
	raw := sealedPacket(t, env, hd, nil)

	if err := h.Handle(key, raw); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("expected IPv6 AddrRequest to be ignored")
	}
}
