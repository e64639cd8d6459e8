package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mlagier/sshtunnel/pkg/types"
)

const configExt = ".json"

// Store persists one JSON document per tunnel group under a configuration
// directory. The documents are the source of truth for what should run.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates a store over dir, creating the directory if needed.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+configExt)
}

// Load reads and parses the named group document.
func (s *Store) Load(name string) (*types.GroupConfig, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read configuration %s: %w", name, err)
	}
	var cfg types.GroupConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &MalformedError{Name: name, Err: err}
	}
	return &cfg, nil
}

// Save serializes the document with stable field order and replaces the
// previous version atomically, so a concurrently starting supervisor never
// observes a partial write.
func (s *Store) Save(name string, cfg *types.GroupConfig) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write configuration %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write configuration %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace configuration %s: %w", name, err)
	}
	s.log.Info("configuration saved", "group", name)
	return nil
}

// Validate checks the required top-level fields and, per tunnel kind, the
// required spec fields. It must be called before any command is built from
// the document. The returned error names the first missing field.
func (s *Store) Validate(cfg *types.GroupConfig) error {
	switch {
	case cfg.User == "":
		return &InvalidConfigError{Field: "user"}
	case cfg.IP == "":
		return &InvalidConfigError{Field: "ip"}
	case cfg.SSHPort == 0:
		return &InvalidConfigError{Field: "ssh_port"}
	case cfg.SSHKeyPath == "":
		return &InvalidConfigError{Field: "ssh_key"}
	case cfg.Tunnels == nil:
		return &InvalidConfigError{Field: "tunnels"}
	}
	for _, kind := range cfg.Tunnels.Kinds() {
		bucket := cfg.Tunnels.Bucket(kind)
		for _, key := range bucket.Keys() {
			spec, _ := bucket.Get(key)
			if err := validateSpec(kind, spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSpec(kind types.TunnelKind, spec types.TunnelSpec) error {
	if spec.Name == "" {
		return &InvalidConfigError{Field: "name"}
	}
	switch kind {
	case types.LocalForward:
		switch {
		case spec.ListenPort == 0:
			return &InvalidConfigError{Field: "listen_port"}
		case spec.EndpointHost == "":
			return &InvalidConfigError{Field: "endpoint_host"}
		case spec.EndpointPort == 0:
			return &InvalidConfigError{Field: "endpoint_port"}
		}
	case types.RemoteForward:
		switch {
		case spec.ListenHost == "":
			return &InvalidConfigError{Field: "listen_host"}
		case spec.ListenPort == 0:
			return &InvalidConfigError{Field: "listen_port"}
		case spec.EndpointHost == "":
			return &InvalidConfigError{Field: "endpoint_host"}
		case spec.EndpointPort == 0:
			return &InvalidConfigError{Field: "endpoint_port"}
		}
	case types.Dynamic:
		if spec.ListenPort == 0 {
			return &InvalidConfigError{Field: "listen_port"}
		}
	}
	return nil
}

// AddTunnel builds a spec from positional params and stores it in the named
// group, keyed by the listen port within its kind bucket. An existing spec
// at that key is overwritten in place.
func (s *Store) AddTunnel(name, tunnelName, kindToken string, params []string) error {
	kind, err := types.ParseTunnelKind(kindToken)
	if err != nil {
		return err
	}
	spec, err := buildSpec(kind, tunnelName, params)
	if err != nil {
		return err
	}
	cfg, err := s.Load(name)
	if err != nil {
		return err
	}
	if cfg.Tunnels == nil {
		cfg.Tunnels = &types.TunnelTable{}
	}
	cfg.Tunnels.Put(kind, params[0], spec)
	if err := s.Save(name, cfg); err != nil {
		return err
	}
	s.log.Info("tunnel added", "group", name, "tunnel", tunnelName, "kind", kind.Token())
	return nil
}

func buildSpec(kind types.TunnelKind, tunnelName string, params []string) (types.TunnelSpec, error) {
	arity := map[types.TunnelKind]int{
		types.LocalForward:  3,
		types.RemoteForward: 4,
		types.Dynamic:       1,
	}[kind]
	if len(params) != arity {
		return types.TunnelSpec{}, &ArityError{Kind: kind, Want: arity, Got: len(params)}
	}
	ports := make([]types.Port, len(params))
	for i, p := range params {
		n, err := strconv.Atoi(p)
		if err == nil {
			ports[i] = types.Port(n)
		}
	}
	spec := types.TunnelSpec{Name: tunnelName}
	switch kind {
	case types.LocalForward:
		spec.ListenPort = ports[0]
		spec.EndpointHost = params[1]
		spec.EndpointPort = ports[2]
	case types.RemoteForward:
		spec.ListenHost = params[0]
		spec.ListenPort = ports[1]
		spec.EndpointHost = params[2]
		spec.EndpointPort = ports[3]
	case types.Dynamic:
		spec.ListenPort = ports[0]
	}
	return spec, nil
}

// RemoveTunnel deletes every spec named tunnelName across all kind buckets
// of the group and returns how many were removed. Zero removals are logged,
// not an error.
func (s *Store) RemoveTunnel(name, tunnelName string) (int, error) {
	cfg, err := s.Load(name)
	if err != nil {
		return 0, err
	}
	if cfg.Tunnels == nil {
		s.log.Info("no tunnel matched", "group", name, "tunnel", tunnelName)
		return 0, nil
	}
	removed := cfg.Tunnels.RemoveByName(tunnelName)
	if removed == 0 {
		s.log.Info("no tunnel matched", "group", name, "tunnel", tunnelName)
		return 0, nil
	}
	if err := s.Save(name, cfg); err != nil {
		return 0, err
	}
	s.log.Info("tunnels removed", "group", name, "tunnel", tunnelName, "count", removed)
	return removed, nil
}

// ListGroups returns every persisted group name, sorted by filename.
func (s *Store) ListGroups() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), configExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), configExt))
	}
	return names, nil
}
