package config

import (
	"testing"
	"time"
)

func TestUnmarshalEnvAppliesDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Cipher != CipherNone {
		t.Fatalf("expected default cipher none, got %q", c.Cipher)
	}
	if c.PunchModel != PunchModelAll {
		t.Fatalf("expected default punch model all, got %q", c.PunchModel)
	}
	if len(c.Ports) != 1 || c.Ports[0] != 0 {
		t.Fatalf("expected default port list [0], got %v", c.Ports)
	}
}

func TestUnmarshalEnvOverridesAndParsesTypedFields(t *testing.T) {
	var c Config
	es := []string{
		"VNT_TOKEN=abc123",
		"VNT_CIPHER=aes-cbc-mac",
		"VNT_FINGERPRINT=true",
		"VNT_PORTS=29871,29872,29873",
		"VNT_IN_IPS=10.0.0.0/8,192.168.0.0/16",
		"VNT_PACKET_DELAY=50ms",
	}
	if err := c.UnmarshalEnv(es); err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.Token != "abc123" {
		t.Fatalf("expected token abc123, got %q", c.Token)
	}
	if c.Cipher != CipherAESCBCMAC {
		t.Fatalf("expected aes-cbc-mac cipher, got %q", c.Cipher)
	}
	if !c.Fingerprint {
		t.Fatal("expected fingerprint enabled")
	}
	if len(c.Ports) != 3 || c.Ports[2] != 29873 {
		t.Fatalf("unexpected ports: %v", c.Ports)
	}
	if len(c.InIPs) != 2 {
		t.Fatalf("unexpected in-ip list: %v", c.InIPs)
	}
	if c.PacketDelay != 50*time.Millisecond {
		t.Fatalf("unexpected packet delay: %v", c.PacketDelay)
	}
}

func TestUnmarshalEnvRejectsUnknownKey(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"VNT_NOT_A_REAL_FIELD=1"})
	if err == nil {
		t.Fatal("expected error for unknown env var")
	}
}

func TestEffectiveMTUFollowsCipherState(t *testing.T) {
	c := Config{}
	if got := c.EffectiveMTU(); got != 1450 {
		t.Fatalf("expected unencrypted default 1450, got %d", got)
	}
	c.Cipher = CipherAESCBCMAC
	if got := c.EffectiveMTU(); got != 1410 {
		t.Fatalf("expected encrypted default 1410, got %d", got)
	}
	c.MTU = 1200
	if got := c.EffectiveMTU(); got != 1200 {
		t.Fatalf("expected explicit MTU to win, got %d", got)
	}
}
