// Package metricsx holds the node's VictoriaMetrics/metrics counters and
// histograms, grouped by component in nested structs the way
// `pkg/api/api0/metrics.go`'s apiMetrics does: one field per metric
// series, populated once via sync.Once so a caller never has to check
// whether a counter exists before incrementing it.
package metricsx

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is the node's full metric surface, one field group per
// component (C3 channel, C4 routes, C6 punch, C7 handshake, C8 handler,
// C9 proxy).
type Metrics struct {
	set *metrics.Set

	channel struct {
		sent_packets_total     *metrics.Counter
		recv_packets_total     *metrics.Counter
		send_errors_total      *metrics.Counter
		tcp_connections_active *metrics.Counter
	}

	routes struct {
		active_routes          *metrics.Counter
		idle_evictions_total   *metrics.Counter
		rtt_micros             *metrics.Histogram
	}

	punch struct {
		attempts_total struct {
			cone_to_cone       *metrics.Counter
			symmetric_local    *metrics.Counter
			symmetric_peer     *metrics.Counter
			tcp                *metrics.Counter
		}
		success_total *metrics.Counter
	}

	handshake struct {
		sent_total      *metrics.Counter
		rate_limited_total *metrics.Counter
	}

	handler struct {
		dropped_total struct {
			malformed   *metrics.Counter
			unknown_sub *metrics.Counter
			key_error   *metrics.Counter
		}
		ping_reflected_total *metrics.Counter
	}

	proxy struct {
		tcp_flows_active *metrics.Counter
		udp_flows_active *metrics.Counter
		denied_total     *metrics.Counter
	}
}

var (
	once    sync.Once
	current *Metrics
)

// New constructs a fresh, independently registered Metrics set; intended
// for tests, which must not share the process-wide default set.
func New() *Metrics {
	m := &Metrics{set: metrics.NewSet()}
	m.init()
	return m
}

// Default returns the process-wide Metrics instance, initializing it on
// first use the way apiMetrics.m() does with its own sync.Once.
func Default() *Metrics {
	once.Do(func() { current = New() })
	return current
}

// WritePrometheus writes every registered series in Prometheus text
// format.
func (m *Metrics) WritePrometheus(w io.Writer) { m.set.WritePrometheus(w) }

func (m *Metrics) init() {
	s := m.set

	m.channel.sent_packets_total = s.NewCounter(`vnt_channel_sent_packets_total`)
	m.channel.recv_packets_total = s.NewCounter(`vnt_channel_recv_packets_total`)
	m.channel.send_errors_total = s.NewCounter(`vnt_channel_send_errors_total`)
	m.channel.tcp_connections_active = s.NewCounter(`vnt_channel_tcp_connections_active`)

	m.routes.active_routes = s.NewCounter(`vnt_routes_active_routes`)
	m.routes.idle_evictions_total = s.NewCounter(`vnt_routes_idle_evictions_total`)
	m.routes.rtt_micros = s.NewHistogram(`vnt_routes_rtt_micros`)

	m.punch.attempts_total.cone_to_cone = s.NewCounter(`vnt_punch_attempts_total{path="cone_to_cone"}`)
	m.punch.attempts_total.symmetric_local = s.NewCounter(`vnt_punch_attempts_total{path="symmetric_local"}`)
	m.punch.attempts_total.symmetric_peer = s.NewCounter(`vnt_punch_attempts_total{path="symmetric_peer"}`)
	m.punch.attempts_total.tcp = s.NewCounter(`vnt_punch_attempts_total{path="tcp"}`)
	m.punch.success_total = s.NewCounter(`vnt_punch_success_total`)

	m.handshake.sent_total = s.NewCounter(`vnt_handshake_sent_total`)
	m.handshake.rate_limited_total = s.NewCounter(`vnt_handshake_rate_limited_total`)

	m.handler.dropped_total.malformed = s.NewCounter(`vnt_handler_dropped_total{reason="malformed"}`)
	m.handler.dropped_total.unknown_sub = s.NewCounter(`vnt_handler_dropped_total{reason="unknown_sub"}`)
	m.handler.dropped_total.key_error = s.NewCounter(`vnt_handler_dropped_total{reason="key_error"}`)
	m.handler.ping_reflected_total = s.NewCounter(`vnt_handler_ping_reflected_total`)

	m.proxy.tcp_flows_active = s.NewCounter(`vnt_proxy_tcp_flows_active`)
	m.proxy.udp_flows_active = s.NewCounter(`vnt_proxy_udp_flows_active`)
	m.proxy.denied_total = s.NewCounter(`vnt_proxy_denied_total`)
}

// ChannelSent increments the channel send counter.
func (m *Metrics) ChannelSent() { m.channel.sent_packets_total.Inc() }

// ChannelRecv increments the channel receive counter.
func (m *Metrics) ChannelRecv() { m.channel.recv_packets_total.Inc() }

// ChannelSendError increments the channel send-error counter.
func (m *Metrics) ChannelSendError() { m.channel.send_errors_total.Inc() }

// RouteIdleEviction increments the route idle-sweep eviction counter.
func (m *Metrics) RouteIdleEviction() { m.routes.idle_evictions_total.Inc() }

// RouteRTTObserved records an observed round-trip time in microseconds.
func (m *Metrics) RouteRTTObserved(micros int64) { m.routes.rtt_micros.Update(float64(micros)) }

// PunchAttempt increments the attempt counter for the given path: one of
// "cone_to_cone", "symmetric_local", "symmetric_peer", "tcp".
func (m *Metrics) PunchAttempt(path string) {
	switch path {
	case "cone_to_cone":
		m.punch.attempts_total.cone_to_cone.Inc()
	case "symmetric_local":
		m.punch.attempts_total.symmetric_local.Inc()
	case "symmetric_peer":
		m.punch.attempts_total.symmetric_peer.Inc()
	case "tcp":
		m.punch.attempts_total.tcp.Inc()
	}
}

// PunchSuccess increments the overall punch success counter.
func (m *Metrics) PunchSuccess() { m.punch.success_total.Inc() }

// HandshakeSent increments the handshake-sent counter.
func (m *Metrics) HandshakeSent() { m.handshake.sent_total.Inc() }

// HandshakeRateLimited increments the handshake rate-limit counter.
func (m *Metrics) HandshakeRateLimited() { m.handshake.rate_limited_total.Inc() }

// HandlerDropped increments the drop counter for the given reason: one of
// "malformed", "unknown_sub", "key_error".
func (m *Metrics) HandlerDropped(reason string) {
	switch reason {
	case "malformed":
		m.handler.dropped_total.malformed.Inc()
	case "unknown_sub":
		m.handler.dropped_total.unknown_sub.Inc()
	case "key_error":
		m.handler.dropped_total.key_error.Inc()
	}
}

// HandlerPingReflected increments the ping-reflection counter.
func (m *Metrics) HandlerPingReflected() { m.handler.ping_reflected_total.Inc() }

// ProxyTCPFlowOpened/Closed track the active TCP flow gauge-as-counter.
func (m *Metrics) ProxyTCPFlowOpened() { m.proxy.tcp_flows_active.Inc() }
func (m *Metrics) ProxyTCPFlowClosed() { m.proxy.tcp_flows_active.Dec() }

// ProxyUDPFlowOpened/Closed track the active UDP flow gauge-as-counter.
func (m *Metrics) ProxyUDPFlowOpened() { m.proxy.udp_flows_active.Inc() }
func (m *Metrics) ProxyUDPFlowClosed() { m.proxy.udp_flows_active.Dec() }

// ProxyDenied increments the proxy allow-list denial counter.
func (m *Metrics) ProxyDenied() { m.proxy.denied_total.Inc() }
