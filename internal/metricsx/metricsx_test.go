package metricsx

import (
	"bytes"
	"strings"
	"testing"
)

func TestCountersIncrementAndAppearInPrometheusOutput(t *testing.T) {
	m := New()
	m.ChannelSent()
	m.ChannelSent()
	m.PunchAttempt("cone_to_cone")
	m.HandlerDropped("malformed")

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	if !strings.Contains(out, `vnt_channel_sent_packets_total 2`) {
		t.Fatalf("expected sent_packets_total to read 2, got:\n%s", out)
	}
	if !strings.Contains(out, `vnt_punch_attempts_total{path="cone_to_cone"} 1`) {
		t.Fatalf("expected cone_to_cone attempt counted, got:\n%s", out)
	}
	if !strings.Contains(out, `vnt_handler_dropped_total{reason="malformed"} 1`) {
		t.Fatalf("expected malformed drop counted, got:\n%s", out)
	}
}

func TestProxyFlowCounterTracksOpenAndClose(t *testing.T) {
	m := New()
	m.ProxyTCPFlowOpened()
	m.ProxyTCPFlowOpened()
	m.ProxyTCPFlowClosed()

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), `vnt_proxy_tcp_flows_active 1`) {
		t.Fatalf("expected active flow count 1, got:\n%s", buf.String())
	}
}

func TestDefaultIsASingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("expected Default() to return the same instance across calls")
	}
}
