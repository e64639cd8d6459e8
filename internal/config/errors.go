package config

import (
	"errors"
	"fmt"

	"github.com/mlagier/sshtunnel/pkg/types"
)

// ErrNotFound is returned when a group has no configuration document.
var ErrNotFound = errors.New("configuration not found")

// MalformedError wraps a parse failure of a group document.
type MalformedError struct {
	Name string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("configuration %s is malformed: %v", e.Name, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// InvalidConfigError names the first missing required field found during
// validation.
type InvalidConfigError struct {
	Field string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// ArityError reports a tunnel parameter count mismatch for a kind.
type ArityError struct {
	Kind types.TunnelKind
	Want int
	Got  int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("tunnel kind %s takes %d parameters, got %d (%s)",
		e.Kind, e.Want, e.Got, usage(e.Kind))
}

func usage(kind types.TunnelKind) string {
	switch kind {
	case types.LocalForward:
		return "usage: -L listen_port endpoint_host endpoint_port"
	case types.RemoteForward:
		return "usage: -R listen_host listen_port endpoint_host endpoint_port"
	case types.Dynamic:
		return "usage: -D listen_port"
	}
	return ""
}
