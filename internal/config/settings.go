package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsPath is where the optional service settings file lives.
// Group documents are a separate, per-group contract under ConfigDir.
const DefaultSettingsPath = "/etc/sshtunnel/config.yaml"

// Duration decodes "1s"-style values from both the YAML file and
// environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the process-wide configuration: directories, probe timeout
// and the external tools the supervisor shells out to. Values come from
// defaults, then the YAML settings file, then SSHTUNNEL_* environment
// variables, in that order.
type Settings struct {
	ConfigDir    string        `yaml:"config_dir" envconfig:"CONFIG_DIR"`
	LogDir       string        `yaml:"log_dir" envconfig:"LOG_DIR"`
	PidDir       string        `yaml:"pid_dir" envconfig:"PID_DIR"`
	KeyDir       string        `yaml:"key_dir" envconfig:"KEY_DIR"`
	ProbeTimeout Duration      `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
	AutosshPath  string        `yaml:"autossh_path" envconfig:"AUTOSSH_PATH"`
	TricklePath  string        `yaml:"trickle_path" envconfig:"TRICKLE_PATH"`
	PingPath     string        `yaml:"ping_path" envconfig:"PING_PATH"`
	NetstatPath  string        `yaml:"netstat_path" envconfig:"NETSTAT_PATH"`
}

func defaultSettings() *Settings {
	return &Settings{
		ConfigDir:    "/etc/sshtunnel/conf.d",
		LogDir:       "/var/log/sshtunnel",
		PidDir:       "/run/sshtunnel",
		KeyDir:       "/root/.ssh",
		ProbeTimeout: Duration(time.Second),
		AutosshPath:  "autossh",
		TricklePath:  "trickle",
		PingPath:     "ping",
		NetstatPath:  "netstat",
	}
}

// LoadSettings reads the settings file at path if it exists and applies
// environment overrides. A missing file is not an error; a malformed one is.
func LoadSettings(path string) (*Settings, error) {
	s := defaultSettings()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := envconfig.Process("sshtunnel", s); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}
	return s, nil
}
