package natprobe

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestProbeRejectsEmptyServerList(t *testing.T) {
	_, err := Probe(zerolog.Nop(), nil, nil)
	if err == nil {
		t.Fatal("expected error for empty server list")
	}
}

func TestProbeFailsClosedWhenAllServersUnreachable(t *testing.T) {
	// Port 1 is reserved and nothing answers STUN there; every probe should
	// time out and Probe should report failure rather than a bogus profile.
	_, err := Probe(zerolog.Nop(), []string{"127.0.0.1:1"}, nil)
	if err == nil {
		t.Fatal("expected error when no stun server answers")
	}
}
