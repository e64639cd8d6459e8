package status

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mlagier/sshtunnel/internal/config"
	"github.com/mlagier/sshtunnel/internal/registry"
	"github.com/mlagier/sshtunnel/pkg/types"
)

// fakeProber scripts probe outcomes per target and records every call so
// tests can assert which probes ran, and in what order.
type fakeProber struct {
	openTCP   map[string]float64 // "host:port" -> latency
	icmpUp    map[string]float64 // host -> latency
	listening map[string]bool    // "addr:port" -> listening
	calls     []string
}

func (f *fakeProber) TCPConnect(host string, port int) types.ProbeResult {
	key := fmt.Sprintf("%s:%d", host, port)
	f.calls = append(f.calls, "tcp "+key)
	if ms, ok := f.openTCP[key]; ok {
		return types.ProbeResult{Reachable: true, LatencyMs: &ms}
	}
	return types.ProbeResult{}
}

func (f *fakeProber) ICMPReachable(host string) types.ProbeResult {
	f.calls = append(f.calls, "icmp "+host)
	if ms, ok := f.icmpUp[host]; ok {
		return types.ProbeResult{Reachable: true, LatencyMs: &ms}
	}
	return types.ProbeResult{}
}

func (f *fakeProber) PortListening(bindAddr string, port int) bool {
	key := fmt.Sprintf("%s:%d", bindAddr, port)
	f.calls = append(f.calls, "listen "+key)
	return f.listening[key]
}

func (f *fakeProber) called(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func newTestReporter(t *testing.T, probes Prober) (*Reporter, *config.Store, *registry.Registry, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "conf.d"), log)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(filepath.Join(dir, "run"), log)
	if err != nil {
		t.Fatal(err)
	}
	return NewReporter(store, reg, probes, log), store, reg, filepath.Join(dir, "conf.d")
}

func groupConfig(ip string, sshPort int) *types.GroupConfig {
	return &types.GroupConfig{
		User:       "tunnel_user",
		IP:         ip,
		SSHPort:    sshPort,
		SSHKeyPath: "/root/.ssh/key",
		Tunnels:    &types.TunnelTable{},
	}
}

func TestFleetSummaryTCPLatencyDoublesAsReachability(t *testing.T) {
	probes := &fakeProber{openTCP: map[string]float64{"10.0.0.5:22": 4.2}}
	rep, store, _, _ := newTestReporter(t, probes)
	if err := store.Save("site1", groupConfig("10.0.0.5", 22)); err != nil {
		t.Fatal(err)
	}

	report := rep.FleetSummary()
	if len(report.Servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(report.Servers))
	}
	s := report.Servers[0]
	if s.Name != "site1" || s.ICMP.IP != "10.0.0.5" {
		t.Errorf("server = %+v", s)
	}
	if !s.TCP.Status || s.TCP.LatencyMs == nil || *s.TCP.LatencyMs != 4.2 {
		t.Errorf("tcp = %+v", s.TCP)
	}
	if !s.ICMP.Status || s.ICMP.LatencyMs == nil || *s.ICMP.LatencyMs != 4.2 {
		t.Errorf("icmp must reuse the tcp latency, got %+v", s.ICMP)
	}
	if probes.called("icmp 10.0.0.5") {
		t.Error("icmp probe ran although tcp succeeded")
	}
}

func TestFleetSummaryFallsBackToICMP(t *testing.T) {
	probes := &fakeProber{icmpUp: map[string]float64{"10.0.0.5": 8.0}}
	rep, store, _, _ := newTestReporter(t, probes)
	if err := store.Save("site1", groupConfig("10.0.0.5", 22)); err != nil {
		t.Fatal(err)
	}

	s := rep.FleetSummary().Servers[0]
	if s.TCP.Status || s.TCP.LatencyMs != nil {
		t.Errorf("tcp = %+v, want closed with nil latency", s.TCP)
	}
	if !s.ICMP.Status || s.ICMP.LatencyMs == nil || *s.ICMP.LatencyMs != 8.0 {
		t.Errorf("icmp = %+v, want fallback latency", s.ICMP)
	}
	if !probes.called("tcp 10.0.0.5:22") {
		t.Error("tcp attempt must never be skipped")
	}
}

func TestFleetSummaryBothProbesDown(t *testing.T) {
	probes := &fakeProber{}
	rep, store, _, _ := newTestReporter(t, probes)
	if err := store.Save("site1", groupConfig("10.0.0.5", 22)); err != nil {
		t.Fatal(err)
	}

	s := rep.FleetSummary().Servers[0]
	if s.TCP.Status || s.TCP.LatencyMs != nil {
		t.Errorf("tcp = %+v", s.TCP)
	}
	if s.ICMP.Status || s.ICMP.LatencyMs != nil {
		t.Errorf("icmp = %+v", s.ICMP)
	}
}

func TestFleetSummarySkipsMalformedGroup(t *testing.T) {
	probes := &fakeProber{openTCP: map[string]float64{
		"10.0.0.5:22": 1.0,
		"10.0.0.6:22": 2.0,
	}}
	rep, store, _, confDir := newTestReporter(t, probes)
	if err := store.Save("site1", groupConfig("10.0.0.5", 22)); err != nil {
		t.Fatal(err)
	}
	if err := store.Save("site2", groupConfig("10.0.0.6", 22)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "broken.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	report := rep.FleetSummary()
	if len(report.Servers) != 2 {
		t.Fatalf("servers = %d, want the two parseable groups", len(report.Servers))
	}
	for _, s := range report.Servers {
		if s.Name == "broken" {
			t.Error("malformed group made it into the report")
		}
	}
}

func TestGroupDetailMissingConfig(t *testing.T) {
	rep, _, _, _ := newTestReporter(t, &fakeProber{})
	report := rep.GroupDetail("absent")
	if report.Error == "" {
		t.Error("missing config must be reported in the document")
	}
	if len(report.Servers) != 0 || len(report.Tunnels) != 0 {
		t.Errorf("report = %+v, want empty lists", report)
	}
}

func TestGroupDetailLocalForwardUsesListenCheckOnly(t *testing.T) {
	probes := &fakeProber{
		openTCP:   map[string]float64{"10.0.0.5:22": 1.5, "127.0.0.1:80": 0.4},
		listening: map[string]bool{"0.0.0.0:8080": true},
	}
	rep, store, _, _ := newTestReporter(t, probes)
	cfg := groupConfig("10.0.0.5", 22)
	cfg.Tunnels.Put(types.LocalForward, "8080", types.TunnelSpec{
		Name: "web", ListenPort: 8080, EndpointHost: "127.0.0.1", EndpointPort: 80,
	})
	if err := store.Save("site1", cfg); err != nil {
		t.Fatal(err)
	}

	report := rep.GroupDetail("site1")
	if len(report.Tunnels) != 1 {
		t.Fatalf("tunnels = %d, want 1", len(report.Tunnels))
	}
	ts := report.Tunnels[0]
	if ts.Name != "web" {
		t.Errorf("name = %q", ts.Name)
	}
	if ts.ListenPort == nil || !ts.ListenPort.Status || ts.ListenPort.Port != 8080 {
		t.Fatalf("listen_port = %+v", ts.ListenPort)
	}
	if ts.ListenPort.LatencyMs == nil || *ts.ListenPort.LatencyMs != 1 {
		t.Errorf("listen_port latency = %v, want nominal 1", ts.ListenPort.LatencyMs)
	}
	// The locally bound end must never be probed over the network.
	if probes.called("tcp 0.0.0.0:8080") || probes.called("tcp 127.0.0.1:8080") {
		t.Error("listen port was probed over the network")
	}
	if !probes.called("listen 0.0.0.0:8080") {
		t.Error("listening-socket check did not run")
	}
	if ts.EndpointPort == nil || !ts.EndpointPort.Status || ts.EndpointPort.Port != 80 {
		t.Errorf("endpoint_port = %+v", ts.EndpointPort)
	}
	if ts.EndpointHost == nil || ts.EndpointHost.Host != "127.0.0.1" {
		t.Errorf("endpoint_host = %+v", ts.EndpointHost)
	}
	if ts.ListenHost != nil {
		t.Errorf("listen_host = %+v, unexpected for -L", ts.ListenHost)
	}
}

func TestGroupDetailDynamicHasNoEndpointChecks(t *testing.T) {
	probes := &fakeProber{listening: map[string]bool{"0.0.0.0:1080": false}}
	rep, store, _, _ := newTestReporter(t, probes)
	cfg := groupConfig("10.0.0.5", 22)
	cfg.Tunnels.Put(types.Dynamic, "1080", types.TunnelSpec{Name: "socks", ListenPort: 1080})
	if err := store.Save("site1", cfg); err != nil {
		t.Fatal(err)
	}

	ts := rep.GroupDetail("site1").Tunnels[0]
	if ts.ListenPort == nil || ts.ListenPort.Status {
		t.Errorf("listen_port = %+v, want present and down", ts.ListenPort)
	}
	if ts.EndpointPort != nil || ts.EndpointHost != nil || ts.ListenHost != nil {
		t.Errorf("dynamic tunnel grew extra checks: %+v", ts)
	}
}

func TestGroupDetailRemoteForwardFallsBackToICMP(t *testing.T) {
	probes := &fakeProber{
		icmpUp:  map[string]float64{"198.51.100.7": 12.5},
		openTCP: map[string]float64{"127.0.0.1:22": 0.3},
	}
	rep, store, _, _ := newTestReporter(t, probes)
	cfg := groupConfig("10.0.0.5", 22)
	cfg.Tunnels.Put(types.RemoteForward, "2222", types.TunnelSpec{
		Name: "rev", ListenHost: "198.51.100.7", ListenPort: 2222,
		EndpointHost: "127.0.0.1", EndpointPort: 22,
	})
	if err := store.Save("site1", cfg); err != nil {
		t.Fatal(err)
	}

	ts := rep.GroupDetail("site1").Tunnels[0]
	if ts.ListenPort == nil || ts.ListenPort.Status || ts.ListenPort.LatencyMs != nil {
		t.Errorf("listen_port = %+v, want closed with nil latency", ts.ListenPort)
	}
	if ts.ListenHost == nil || ts.ListenHost.LatencyMs == nil || *ts.ListenHost.LatencyMs != 12.5 {
		t.Errorf("listen_host = %+v, want icmp fallback latency", ts.ListenHost)
	}
	if ts.EndpointPort == nil || !ts.EndpointPort.Status {
		t.Errorf("endpoint_port = %+v", ts.EndpointPort)
	}
	// Open endpoint port: its latency is reused for the host entry, no
	// second probe.
	if ts.EndpointHost == nil || ts.EndpointHost.LatencyMs == nil || *ts.EndpointHost.LatencyMs != 0.3 {
		t.Errorf("endpoint_host = %+v", ts.EndpointHost)
	}
	if probes.called("icmp 127.0.0.1") {
		t.Error("icmp ran for a host whose port answered")
	}
}

func TestProcessSummary(t *testing.T) {
	rep, _, reg, _ := newTestReporter(t, &fakeProber{})
	if err := reg.RecordStart("live", os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := reg.RecordStart("dead", 1<<30); err != nil {
		t.Fatal(err)
	}

	report := rep.ProcessSummary()
	if len(report.Tunnels) != 2 {
		t.Fatalf("tunnels = %d, want 2", len(report.Tunnels))
	}
	byName := map[string]types.ProcessStatus{}
	for _, ts := range report.Tunnels {
		byName[ts.Name] = ts
	}
	if st := byName["live"]; st.Status != "active" || st.PID != os.Getpid() {
		t.Errorf("live = %+v", st)
	}
	if st := byName["dead"]; st.Status != "inactive" || st.PID != 0 {
		t.Errorf("dead = %+v", st)
	}
}
