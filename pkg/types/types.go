package types

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownKind is returned when a tunnel kind token is not one of
// "-L", "-R" or "-D".
var ErrUnknownKind = errors.New("unknown tunnel kind")

// TunnelKind enumerates the supported SSH forwarding kinds.
type TunnelKind int

const (
	// LocalForward is ssh -L: a local listener forwarded to a remote endpoint.
	LocalForward TunnelKind = iota
	// RemoteForward is ssh -R: a remote listener forwarded back to an endpoint.
	RemoteForward
	// Dynamic is ssh -D: a local SOCKS proxy.
	Dynamic
)

// Token returns the ssh flag for the kind, which is also its key in the
// group document.
func (k TunnelKind) Token() string {
	switch k {
	case LocalForward:
		return "-L"
	case RemoteForward:
		return "-R"
	case Dynamic:
		return "-D"
	}
	return fmt.Sprintf("TunnelKind(%d)", int(k))
}

func (k TunnelKind) String() string { return k.Token() }

// ParseTunnelKind maps a kind token to its enum value.
func ParseTunnelKind(token string) (TunnelKind, error) {
	switch token {
	case "-L":
		return LocalForward, nil
	case "-R":
		return RemoteForward, nil
	case "-D":
		return Dynamic, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, token)
}

// Port is a TCP port that tolerates being stored either as a JSON number or
// as a quoted string; documents written by older versions contain both forms.
type Port int

func (p Port) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(p))), nil
}

func (p *Port) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if len(s) >= 2 && s[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid port %s: %w", data, err)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", s, err)
	}
	*p = Port(n)
	return nil
}

// TunnelSpec describes one forwarding inside a group. Which fields are
// required depends on the kind of the bucket holding the spec.
type TunnelSpec struct {
	Name         string `json:"name"`
	ListenHost   string `json:"listen_host,omitempty"`
	ListenPort   Port   `json:"listen_port,omitempty"`
	EndpointHost string `json:"endpoint_host,omitempty"`
	EndpointPort Port   `json:"endpoint_port,omitempty"`
}

// Options holds optional SSH connection tuning.
type Options struct {
	KeepaliveInterval int `json:"keepalive_interval,omitempty"`
}

// Bandwidth holds trickle shaping limits in KB/s.
type Bandwidth struct {
	Up   int `json:"up"`
	Down int `json:"down"`
}

// GroupConfig is one tunnel group document: a set of forwardings sharing a
// single SSH connection and credential. Documents are persisted one per
// group under the config directory.
type GroupConfig struct {
	User       string       `json:"user"`
	IP         string       `json:"ip"`
	SSHPort    int          `json:"ssh_port"`
	SSHKeyPath string       `json:"ssh_key"`
	Options    *Options     `json:"options,omitempty"`
	Bandwidth  *Bandwidth   `json:"bandwidth,omitempty"`
	Tunnels    *TunnelTable `json:"tunnels,omitempty"`
}

// ProbeResult is the outcome of a bounded connectivity check. A nil latency
// is the only representation of failure; probes never return errors.
type ProbeResult struct {
	Reachable bool
	LatencyMs *float64
}
