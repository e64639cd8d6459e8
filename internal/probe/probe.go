// Package probe performs bounded connectivity checks: TCP connect, ICMP
// echo via the external ping tool, and local listening-socket inspection.
// Probe failures are result values, never errors; partial connectivity is
// the expected steady state of a tunnel fleet.
package probe

import (
	"context"
	"log/slog"
	"math"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mlagier/sshtunnel/pkg/types"
)

// Prober runs connectivity checks with a fixed short timeout so that
// fleet-wide status sweeps stay bounded.
type Prober struct {
	timeout     time.Duration
	pingPath    string
	netstatPath string
	log         *slog.Logger
}

// New creates a prober. A zero timeout defaults to one second.
func New(timeout time.Duration, pingPath, netstatPath string, log *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Prober{
		timeout:     timeout,
		pingPath:    pingPath,
		netstatPath: netstatPath,
		log:         log,
	}
}

// TCPConnect attempts a TCP connection to host:port and reports the elapsed
// time in milliseconds, rounded to one decimal. Timeout or refusal yields an
// unreachable result with nil latency.
func (p *Prober) TCPConnect(host string, port int) types.ProbeResult {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	if err != nil {
		p.log.Debug("tcp probe failed", "addr", addr, "error", err)
		return types.ProbeResult{}
	}
	defer conn.Close()
	ms := roundMs(time.Since(start))
	return types.ProbeResult{Reachable: true, LatencyMs: &ms}
}

// ICMPReachable sends a short burst of echo requests to host and reports the
// overall elapsed time if the probe completes in time. A timeout or a
// failing ping run both yield an unreachable result.
func (p *Prober) ICMPReachable(host string) types.ProbeResult {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.pingPath, "-c", "3", "-W", "1", "-i", "0.01", host)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		p.log.Debug("icmp probe failed", "host", host, "error", err)
		return types.ProbeResult{}
	}
	ms := roundMs(time.Since(start))
	return types.ProbeResult{Reachable: true, LatencyMs: &ms}
}

// PortListening reports whether the local listening-socket table has an
// entry for exactly bindAddr:port in LISTEN state. No network round trip.
func (p *Prober) PortListening(bindAddr string, port int) bool {
	out, err := exec.Command(p.netstatPath, "-tln").Output()
	if err != nil {
		p.log.Warn("netstat failed", "error", err)
		return false
	}
	return listeningAt(out, bindAddr+":"+strconv.Itoa(port))
}

// listeningAt scans netstat -tln output for a LISTEN line whose local
// address field equals addr.
func listeningAt(out []byte, addr string) bool {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		hasAddr, hasListen := false, false
		for _, f := range fields {
			if f == addr {
				hasAddr = true
			}
			if f == "LISTEN" {
				hasListen = true
			}
		}
		if hasAddr && hasListen {
			return true
		}
	}
	return false
}

func roundMs(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000
	return math.Round(ms*10) / 10
}
