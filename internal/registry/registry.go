// Package registry tracks supervised child processes through pid marker
// files. Markers record current state only; the config store owns desired
// state, and the two are reconciled on every start and stop.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const markerExt = ".pid"

// Marker is one registry entry with its observed liveness.
type Marker struct {
	Name  string
	PID   int
	Alive bool
}

// StopOutcome classifies what happened to each marker during a stop sweep.
type StopOutcome struct {
	Stopped        int
	AlreadyStopped int
	Failed         int
}

// Registry maps group names to pids via marker files in a runtime directory.
type Registry struct {
	dir string
	log *slog.Logger
}

// New creates a registry over dir, creating the directory if needed.
func New(dir string, log *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}
	return &Registry{dir: dir, log: log}, nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+markerExt)
}

// RecordStart persists the marker for a freshly spawned child.
func (r *Registry) RecordStart(name string, pid int) error {
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(r.path(name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write pid file for %s: %w", name, err)
	}
	return nil
}

// Alive reports whether the group's recorded process still exists, probing
// it with signal 0. A stale marker is removed as a side effect; "no marker"
// and "stale marker" differ only in the logs.
func (r *Registry) Alive(name string) (int, bool) {
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("failed to read pid file", "group", name, "error", err)
		}
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		r.log.Warn("invalid pid file, removing", "group", name, "error", err)
		os.Remove(r.path(name))
		return 0, false
	}
	if !processExists(pid) {
		r.log.Warn("pid file found but process is gone, removing", "group", name, "pid", pid)
		os.Remove(r.path(name))
		return 0, false
	}
	return pid, true
}

// Stop terminates every marker whose filename starts with the group name,
// supporting groups that own several markers. One bad marker never aborts
// the sweep: dead processes are cleaned up as already stopped, delivery
// errors are logged and counted.
func (r *Registry) Stop(name string) StopOutcome {
	var outcome StopOutcome
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Error("failed to list pid directory", "error", err)
		outcome.Failed++
		return outcome
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerExt) {
			continue
		}
		if !strings.HasPrefix(e.Name(), name) {
			continue
		}
		marker := e.Name()
		path := filepath.Join(r.dir, marker)
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Error("failed to read pid file", "marker", marker, "error", err)
			outcome.Failed++
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			r.log.Warn("tunnel already gone or pid invalid", "marker", marker, "error", err)
			os.Remove(path)
			outcome.AlreadyStopped++
			continue
		}
		switch err := terminate(pid); {
		case err == nil:
			os.Remove(path)
			r.log.Info("tunnel stopped", "marker", marker, "pid", pid)
			outcome.Stopped++
		case errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH):
			os.Remove(path)
			r.log.Warn("tunnel already terminated", "marker", marker, "pid", pid)
			outcome.AlreadyStopped++
		default:
			r.log.Error("failed to stop tunnel", "marker", marker, "pid", pid, "error", err)
			outcome.Failed++
		}
	}
	if outcome == (StopOutcome{}) {
		r.log.Info("no active tunnel found", "group", name)
	}
	return outcome
}

// List returns every marker in the registry with its liveness, sorted by
// name. Stale entries are reported as not alive but left in place; only
// Alive and Stop clean up.
func (r *Registry) List() ([]Marker, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pid directory: %w", err)
	}
	var markers []Marker
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), markerExt)
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			r.log.Warn("failed to read pid file", "marker", e.Name(), "error", err)
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			markers = append(markers, Marker{Name: name})
			continue
		}
		markers = append(markers, Marker{Name: name, PID: pid, Alive: processExists(pid)})
	}
	return markers, nil
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
