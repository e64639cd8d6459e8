package types

// Report shapes. Key names are a wire contract consumed by monitoring
// scripts; the fleet summary labels the ICMP target "ip" while the group
// detail labels it "host", an asymmetry that has to be preserved.

// EndpointCheck is the ICMP half of an SSH endpoint probe.
type EndpointCheck struct {
	IP        string   `json:"ip,omitempty"`
	Host      string   `json:"host,omitempty"`
	Status    bool     `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
}

// PortProbe is the TCP half of an SSH endpoint probe.
type PortProbe struct {
	Port      int      `json:"port"`
	Status    bool     `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
}

// ServerStatus is one group's SSH endpoint reachability.
type ServerStatus struct {
	Name string        `json:"name"`
	ICMP EndpointCheck `json:"icmp"`
	TCP  PortProbe     `json:"tcp"`
}

// FleetReport is the fleet-wide summary: one entry per configured group.
type FleetReport struct {
	Servers []ServerStatus `json:"servers"`
}

// PortCheck is a per-tunnel port probe result.
type PortCheck struct {
	Port      int      `json:"port"`
	Status    bool     `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
}

// HostCheck is a per-tunnel host reachability fallback result.
type HostCheck struct {
	Host      string   `json:"host"`
	LatencyMs *float64 `json:"latency_ms"`
}

// TunnelStatus is the health of one forwarding. Which checks are present
// depends on the tunnel kind.
type TunnelStatus struct {
	Name         string     `json:"name"`
	ListenPort   *PortCheck `json:"listen_port,omitempty"`
	ListenHost   *HostCheck `json:"listen_host,omitempty"`
	EndpointPort *PortCheck `json:"endpoint_port,omitempty"`
	EndpointHost *HostCheck `json:"endpoint_host,omitempty"`
}

// GroupReport is the detailed report for a single group. When the group's
// configuration is missing, Error is set and the lists stay empty.
type GroupReport struct {
	Servers []ServerStatus `json:"servers"`
	Tunnels []TunnelStatus `json:"tunnels"`
	Error   string         `json:"error,omitempty"`
}

// ProcessStatus is one supervised child in the process summary.
type ProcessStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
}

// ProcessReport lists every known marker with its liveness.
type ProcessReport struct {
	Tunnels []ProcessStatus `json:"tunnels"`
}
