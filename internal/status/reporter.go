// Package status composes configuration, process registry and probe results
// into the report documents printed by the check and status commands.
package status

import (
	"log/slog"

	"github.com/mlagier/sshtunnel/internal/config"
	"github.com/mlagier/sshtunnel/internal/registry"
	"github.com/mlagier/sshtunnel/pkg/types"
)

// Latency reported for local listening-socket checks, which involve no
// network round trip.
const localCheckLatencyMs = 1.0

// Prober is the connectivity surface the reporter needs.
type Prober interface {
	TCPConnect(host string, port int) types.ProbeResult
	ICMPReachable(host string) types.ProbeResult
	PortListening(bindAddr string, port int) bool
}

// Reporter builds the fleet summary, the per-group detail and the process
// summary documents.
type Reporter struct {
	store    *config.Store
	registry *registry.Registry
	probes   Prober
	log      *slog.Logger
}

// NewReporter wires the reporter to its collaborators.
func NewReporter(store *config.Store, reg *registry.Registry, probes Prober, log *slog.Logger) *Reporter {
	return &Reporter{store: store, registry: reg, probes: probes, log: log}
}

// probeSSH runs the two-tier endpoint probe: TCP connect first, and only on
// failure an ICMP fallback for a latency estimate. The TCP latency doubles
// as the reachability latency on success; the two probes' latencies are
// never mixed in one entry.
func (r *Reporter) probeSSH(ip string, port int) (types.EndpointCheck, types.PortProbe) {
	tcpRes := r.probes.TCPConnect(ip, port)
	tcp := types.PortProbe{Port: port, Status: tcpRes.Reachable, LatencyMs: tcpRes.LatencyMs}
	icmp := types.EndpointCheck{}
	if tcpRes.Reachable {
		icmp.Status = true
		icmp.LatencyMs = tcpRes.LatencyMs
		return icmp, tcp
	}
	icmpRes := r.probes.ICMPReachable(ip)
	icmp.Status = icmpRes.Reachable
	icmp.LatencyMs = icmpRes.LatencyMs
	return icmp, tcp
}

// FleetSummary probes the SSH endpoint of every configured group. Groups
// whose configuration cannot be read are logged and skipped; the report
// always covers the rest.
func (r *Reporter) FleetSummary() *types.FleetReport {
	report := &types.FleetReport{Servers: []types.ServerStatus{}}
	names, err := r.store.ListGroups()
	if err != nil {
		r.log.Error("failed to list groups", "error", err)
		return report
	}
	for _, name := range names {
		cfg, err := r.store.Load(name)
		if err != nil {
			r.log.Error("skipping group in fleet summary", "group", name, "error", err)
			continue
		}
		icmp, tcp := r.probeSSH(cfg.IP, cfg.SSHPort)
		icmp.IP = cfg.IP
		report.Servers = append(report.Servers, types.ServerStatus{Name: name, ICMP: icmp, TCP: tcp})
	}
	return report
}

// GroupDetail reports the group's SSH endpoint plus every tunnel's health.
// A missing configuration is reported inside the document, not returned as
// an error.
func (r *Reporter) GroupDetail(name string) *types.GroupReport {
	report := &types.GroupReport{
		Servers: []types.ServerStatus{},
		Tunnels: []types.TunnelStatus{},
	}
	cfg, err := r.store.Load(name)
	if err != nil {
		r.log.Error("group detail unavailable", "group", name, "error", err)
		report.Error = err.Error()
		return report
	}
	icmp, tcp := r.probeSSH(cfg.IP, cfg.SSHPort)
	icmp.Host = cfg.IP
	report.Servers = append(report.Servers, types.ServerStatus{Name: name, ICMP: icmp, TCP: tcp})

	if cfg.Tunnels == nil {
		return report
	}
	for _, kind := range cfg.Tunnels.Kinds() {
		bucket := cfg.Tunnels.Bucket(kind)
		for _, key := range bucket.Keys() {
			spec, _ := bucket.Get(key)
			report.Tunnels = append(report.Tunnels, r.tunnelStatus(kind, spec))
		}
	}
	return report
}

func (r *Reporter) tunnelStatus(kind types.TunnelKind, spec types.TunnelSpec) types.TunnelStatus {
	st := types.TunnelStatus{Name: spec.Name}
	switch kind {
	case types.LocalForward, types.Dynamic:
		// Locally bound end: inspect the socket table only, never probe.
		listening := r.probes.PortListening("0.0.0.0", int(spec.ListenPort))
		latency := localCheckLatencyMs
		st.ListenPort = &types.PortCheck{
			Port:      int(spec.ListenPort),
			Status:    listening,
			LatencyMs: &latency,
		}
	case types.RemoteForward:
		res := r.probes.TCPConnect(spec.ListenHost, int(spec.ListenPort))
		st.ListenPort = &types.PortCheck{
			Port:      int(spec.ListenPort),
			Status:    res.Reachable,
			LatencyMs: res.LatencyMs,
		}
		st.ListenHost = &types.HostCheck{
			Host:      spec.ListenHost,
			LatencyMs: r.hostLatency(spec.ListenHost, res),
		}
	}
	if kind == types.LocalForward || kind == types.RemoteForward {
		res := r.probes.TCPConnect(spec.EndpointHost, int(spec.EndpointPort))
		st.EndpointPort = &types.PortCheck{
			Port:      int(spec.EndpointPort),
			Status:    res.Reachable,
			LatencyMs: res.LatencyMs,
		}
		st.EndpointHost = &types.HostCheck{
			Host:      spec.EndpointHost,
			LatencyMs: r.hostLatency(spec.EndpointHost, res),
		}
	}
	return st
}

// hostLatency reuses the port probe's latency when the port answered, and
// falls back to ICMP when it did not.
func (r *Reporter) hostLatency(host string, portRes types.ProbeResult) *float64 {
	if portRes.Reachable {
		return portRes.LatencyMs
	}
	return r.probes.ICMPReachable(host).LatencyMs
}

// ProcessSummary lists every marker in the registry with its liveness.
func (r *Reporter) ProcessSummary() *types.ProcessReport {
	report := &types.ProcessReport{Tunnels: []types.ProcessStatus{}}
	markers, err := r.registry.List()
	if err != nil {
		r.log.Error("failed to list process markers", "error", err)
		return report
	}
	for _, m := range markers {
		st := types.ProcessStatus{Name: m.Name, Status: "inactive"}
		if m.Alive {
			st.Status = "active"
			st.PID = m.PID
		}
		report.Tunnels = append(report.Tunnels, st)
	}
	return report
}
