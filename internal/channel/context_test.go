package channel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestContextSendAndReceiveLoopback(t *testing.T) {
	a, err := New(zerolog.Nop(), []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, true, ChannelAll)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(zerolog.Nop(), []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}, true, ChannelAll)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	bAddrPort := netip.MustParseAddrPort(b.main[0].LocalAddr().String())

	if err := a.SendDefault([]byte("hello"), bAddrPort); err != nil {
		t.Fatal(err)
	}

	select {
	case in := <-b.Inbound():
		if string(in.Data) != "hello" {
			t.Fatalf("unexpected payload %q", in.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound packet")
	}
}

func TestChannelNumAndQueries(t *testing.T) {
	c, err := New(zerolog.Nop(), []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:0"),
		netip.MustParseAddrPort("127.0.0.1:0"),
	}, false, ChannelRelayOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.ChannelNum() != 2 {
		t.Fatalf("expected 2 channels, got %d", c.ChannelNum())
	}
	if c.IsCone() {
		t.Fatal("expected IsCone false")
	}
	if c.UseChannelType() != ChannelRelayOnly {
		t.Fatal("expected relay-only channel type")
	}
	if c.IsMainTCP() {
		t.Fatal("expected no TCP transport by default")
	}
}
