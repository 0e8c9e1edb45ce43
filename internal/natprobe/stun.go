// Package natprobe classifies this node's own NAT behavior via STUN, per
// spec §4.5: bind one socket per server, send a BindingRequest with
// CHANGE-REQUEST(ip=true,port=true) and read back MAPPED-ADDRESS plus
// CHANGED-ADDRESS, then re-probe directly against the changed address with
// CHANGE-REQUEST(false,false) and compare the two mapped addresses — a
// mismatch means Symmetric, and the absolute port delta feeds
// public_port_range. Results are unioned across servers (any Symmetric
// makes the node Symmetric; the widest port delta wins), mirroring
// original_source/vnt/src/nat/stun.rs's test_nat/test_nat_ almost
// one-for-one. There is no STUN client in the teacher's own dependency
// tree, so this is grounded on the broader NAT-traversal corner of the
// pack: github.com/pion/stun.
package natprobe

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog"

	"github.com/vnt-go/vnt/internal/peerstore"
)

// ReadTimeout bounds each STUN round trip (spec §5's 300ms STUN read timeout).
const ReadTimeout = 300 * time.Millisecond

// serverResult is one STUN server's raw probe outcome, before aggregation.
type serverResult struct {
	server    string
	mapped1   netip.AddrPort
	mapped2   netip.AddrPort
	haveRetry bool
	err       error
}

// Probe queries every server in parallel and aggregates the results into a
// NATProfile. localConn, if non-nil, is reused for every probe (so the
// mapped port reflects the node's single bound socket); if nil a fresh
// ephemeral UDP socket is opened per probe.
func Probe(log zerolog.Logger, servers []string, localConn *net.UDPConn) (peerstore.NATProfile, error) {
	log = log.With().Str("component", "natprobe").Logger()
	if len(servers) == 0 {
		return peerstore.NATProfile{}, fmt.Errorf("natprobe: no stun servers configured")
	}

	results := make([]serverResult, len(servers))
	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i] = probeOne(server, localConn)
		}(i, s)
	}
	wg.Wait()

	var profile peerstore.NATProfile
	var maxRange uint16
	symmetric := false
	okCount := 0
	for _, r := range results {
		if r.err != nil {
			log.Debug().Str("server", r.server).Err(r.err).Msg("stun probe failed")
			continue
		}
		okCount++
		profile.PublicIPs = append(profile.PublicIPs, r.mapped1.Addr())
		profile.PublicPorts = append(profile.PublicPorts, r.mapped1.Port())
		if !r.haveRetry {
			continue
		}
		profile.PublicIPs = append(profile.PublicIPs, r.mapped2.Addr())
		if r.mapped1 != r.mapped2 {
			symmetric = true
		}
		if delta := portDelta(r.mapped1.Port(), r.mapped2.Port()); delta > maxRange {
			maxRange = delta
		}
	}
	if okCount == 0 {
		return peerstore.NATProfile{}, fmt.Errorf("natprobe: all %d stun servers failed", len(servers))
	}
	profile.PublicPortRange = maxRange
	profile.Type = peerstore.NATCone
	if symmetric {
		profile.Type = peerstore.NATSymmetric
	}
	profile.Normalize()
	return profile, nil
}

func portDelta(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}

// probeOne runs the two-probe CHANGE-REQUEST dance against a single server
// per spec §4.5: a first BindingRequest asks the server to report its
// CHANGED-ADDRESS (the endpoint it would use for a changed-IP-and-port
// reply) alongside the usual MAPPED-ADDRESS; a second BindingRequest is
// then sent directly to that changed address, with no CHANGE-REQUEST
// attribute, and its mapped address is compared against the first. A
// server that never offers a CHANGED-ADDRESS, or is unreachable on the
// second leg, yields only the first mapped address (haveRetry=false),
// matching original_source/vnt's tolerance for STUN servers that don't
// support the classic RFC 3489 dance.
func probeOne(server string, reuse *net.UDPConn) serverResult {
	res := serverResult{server: server}

	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		res.err = fmt.Errorf("natprobe: resolve %s: %w", server, err)
		return res
	}

	conn := reuse
	if conn == nil {
		conn, err = net.ListenUDP("udp", nil)
		if err != nil {
			res.err = fmt.Errorf("natprobe: listen: %w", err)
			return res
		}
		defer conn.Close()
	}

	mapped1, changed, err := bindingRequest(conn, raddr, true)
	if err != nil {
		res.err = err
		return res
	}
	res.mapped1 = mapped1

	if !changed.IsValid() {
		return res
	}
	changedAddr := net.UDPAddrFromAddrPort(changed)
	mapped2, _, err := bindingRequest(conn, changedAddr, false)
	if err != nil {
		// The alternate address is unreachable or didn't answer; report
		// only the first probe's result, per the original's tolerance.
		return res
	}
	res.mapped2 = mapped2
	res.haveRetry = true
	return res
}

// bindingRequest sends one STUN Binding Request to raddr over conn and
// returns the (XOR-)MAPPED-ADDRESS from the response, plus the
// CHANGED-ADDRESS attribute if the server included one. changeIPAndPort
// appends a CHANGE-REQUEST attribute asking the server to note its
// alternate address/port in the reply.
func bindingRequest(conn *net.UDPConn, raddr *net.UDPAddr, changeIPAndPort bool) (mapped, changed netip.AddrPort, err error) {
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if changeIPAndPort {
		// RFC 5780 CHANGE-REQUEST: bit 2 = change IP, bit 1 = change port.
		msg.Add(stun.AttrChangeRequest, []byte{0, 0, 0, 0x06})
	}
	msg.Encode()

	if _, err := conn.WriteToUDP(msg.Raw, raddr); err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("natprobe: send: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("natprobe: recv: %w", err)
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("natprobe: decode: %w", err)
	}

	mapped, err = mappedAddressFrom(resp)
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("natprobe: no mapped address: %w", err)
	}
	changed, _ = changedAddressFrom(resp)
	return mapped, changed, nil
}

func mappedAddressFrom(resp *stun.Message) (netip.AddrPort, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		ip, ok := netip.AddrFromSlice(xorAddr.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("bad xor-mapped address")
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(xorAddr.Port)), nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(resp); err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(mappedAddr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("bad mapped address")
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(mappedAddr.Port)), nil
}

// changedAddressFrom decodes the legacy RFC 3489 CHANGED-ADDRESS
// attribute, which shares MAPPED-ADDRESS's non-XOR wire encoding
// (reserved byte, family byte, port, address) but under its own attribute
// type, so it is decoded by hand rather than via stun.MappedAddress.GetFrom.
func changedAddressFrom(resp *stun.Message) (netip.AddrPort, bool) {
	raw, err := resp.Get(stun.AttrChangedAddress)
	if err != nil || len(raw) < 8 {
		return netip.AddrPort{}, false
	}
	port := uint16(raw[2])<<8 | uint16(raw[3])
	switch raw[1] {
	case 0x01: // IPv4
		if len(raw) < 8 {
			return netip.AddrPort{}, false
		}
		ip := netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]})
		return netip.AddrPortFrom(ip, port), true
	case 0x02: // IPv6
		if len(raw) < 20 {
			return netip.AddrPort{}, false
		}
		var b [16]byte
		copy(b[:], raw[4:20])
		return netip.AddrPortFrom(netip.AddrFrom16(b), port), true
	default:
		return netip.AddrPort{}, false
	}
}
