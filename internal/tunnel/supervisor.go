// Package tunnel supervises the persistent SSH tunnel child processes.
// Tunnel establishment itself is a black box: the supervisor builds an
// autossh command line from a validated group document, spawns it, and
// tracks it through the process registry.
package tunnel

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/mlagier/sshtunnel/internal/config"
	"github.com/mlagier/sshtunnel/internal/registry"
	"github.com/mlagier/sshtunnel/pkg/types"
)

// SpawnError wraps a failure to create the child process: the keepalive
// wrapper missing, a permission problem, or an unwritable log file.
type SpawnError struct {
	Group string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn tunnel %s: %v", e.Group, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Supervisor drives the per-group lifecycle: start, stop and hard restart.
type Supervisor struct {
	store    *config.Store
	registry *registry.Registry
	settings *config.Settings
	log      *slog.Logger
}

// NewSupervisor wires the supervisor to its collaborators.
func NewSupervisor(store *config.Store, reg *registry.Registry, settings *config.Settings, log *slog.Logger) *Supervisor {
	return &Supervisor{store: store, registry: reg, settings: settings, log: log}
}

// BuildCommand produces the child argv for a validated group document. The
// order is a contract: base invocation, keepalive option, forward flags in
// table insertion order, then the optional shaping wrapper prepended around
// the whole command.
func BuildCommand(cfg *types.GroupConfig, settings *config.Settings) []string {
	argv := []string{
		settings.AutosshPath, "-M", "0", "-N",
		"-i", cfg.SSHKeyPath,
		cfg.User + "@" + cfg.IP,
		"-p", strconv.Itoa(cfg.SSHPort),
	}
	if cfg.Options != nil && cfg.Options.KeepaliveInterval > 0 {
		argv = append(argv, "-o", fmt.Sprintf("ServerAliveInterval=%d", cfg.Options.KeepaliveInterval))
	}
	for _, kind := range cfg.Tunnels.Kinds() {
		bucket := cfg.Tunnels.Bucket(kind)
		for _, key := range bucket.Keys() {
			spec, _ := bucket.Get(key)
			switch kind {
			case types.LocalForward:
				argv = append(argv, fmt.Sprintf("-L %d:%s:%d", spec.ListenPort, spec.EndpointHost, spec.EndpointPort))
			case types.RemoteForward:
				argv = append(argv, fmt.Sprintf("-R %s:%d:%s:%d", spec.ListenHost, spec.ListenPort, spec.EndpointHost, spec.EndpointPort))
			case types.Dynamic:
				argv = append(argv, fmt.Sprintf("-D %d", spec.ListenPort))
			}
		}
	}
	if cfg.Bandwidth != nil {
		shaper := []string{
			settings.TricklePath,
			"-u", strconv.Itoa(cfg.Bandwidth.Up),
			"-d", strconv.Itoa(cfg.Bandwidth.Down),
		}
		argv = append(shaper, argv...)
	}
	return argv
}

// Start launches the group's tunnel process unless it is already running.
// The liveness re-check right before spawning is what serializes concurrent
// duplicate starts; pid existence is the serialization point, not a lock.
func (s *Supervisor) Start(name string) error {
	if pid, ok := s.registry.Alive(name); ok {
		s.log.Info("tunnel already running", "group", name, "pid", pid)
		return nil
	}
	cfg, err := s.store.Load(name)
	if err != nil {
		return err
	}
	if err := s.store.Validate(cfg); err != nil {
		return fmt.Errorf("configuration %s: %w", name, err)
	}
	argv := BuildCommand(cfg, s.settings)

	logPath := filepath.Join(s.settings.LogDir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &SpawnError{Group: name, Err: err}
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return &SpawnError{Group: name, Err: err}
	}
	pid := cmd.Process.Pid
	if err := s.registry.RecordStart(name, pid); err != nil {
		return err
	}
	// The child outlives this invocation; we never wait on it.
	cmd.Process.Release()
	s.log.Info("tunnel started", "group", name, "pid", pid)
	return nil
}

// Stop terminates every process recorded for the group. Per-marker failures
// are logged by the registry; Stop itself never fails.
func (s *Supervisor) Stop(name string) {
	outcome := s.registry.Stop(name)
	if outcome.Failed > 0 {
		s.log.Warn("stop completed with errors", "group", name,
			"stopped", outcome.Stopped, "failed", outcome.Failed)
	}
}

// Restart hard-cycles the group: unconditional stop, then start. It is not
// a reload.
func (s *Supervisor) Restart(name string) error {
	s.Stop(name)
	return s.Start(name)
}

// StartAll starts every configured group. One group's bad configuration is
// logged and skipped, never aborts the sweep.
func (s *Supervisor) StartAll() error {
	return s.sweep("start", s.Start)
}

// StopAll stops every configured group.
func (s *Supervisor) StopAll() error {
	return s.sweep("stop", func(name string) error {
		s.Stop(name)
		return nil
	})
}

// RestartAll restarts every configured group.
func (s *Supervisor) RestartAll() error {
	return s.sweep("restart", s.Restart)
}

func (s *Supervisor) sweep(op string, fn func(string) error) error {
	names, err := s.store.ListGroups()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := fn(name); err != nil {
			s.log.Error("skipping group", "op", op, "group", name, "error", err)
		}
	}
	return nil
}
