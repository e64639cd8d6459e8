package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlagier/sshtunnel/internal/config"
	"github.com/mlagier/sshtunnel/internal/pairing"
	"github.com/mlagier/sshtunnel/internal/probe"
	"github.com/mlagier/sshtunnel/internal/registry"
	"github.com/mlagier/sshtunnel/internal/status"
	"github.com/mlagier/sshtunnel/internal/tunnel"
)

var Version = "1.0.0"

// External tools the supervisor and probes shell out to.
var requiredTools = []string{"autossh", "ssh", "ping", "netstat", "trickle"}

// App carries everything built once at process start: settings, logger and
// the wired components. No package-level mutable state.
type App struct {
	Settings   *config.Settings
	Log        *slog.Logger
	Store      *config.Store
	Registry   *registry.Registry
	Supervisor *tunnel.Supervisor
	Reporter   *status.Reporter
	Pairing    *pairing.Pairing
	StartedAt  time.Time
}

var app *App

func newApp() (*App, error) {
	settings, err := config.LoadSettings(config.DefaultSettingsPath)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{settings.ConfigDir, settings.LogDir, settings.PidDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to set permissions on %s: %w", dir, err)
		}
	}
	logPath := filepath.Join(settings.LogDir, "sshtunnel.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log := slog.New(slog.NewTextHandler(logFile, nil))

	store, err := config.NewStore(settings.ConfigDir, log.With("component", "config"))
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(settings.PidDir, log.With("component", "registry"))
	if err != nil {
		return nil, err
	}
	prober := probe.New(settings.ProbeTimeout.Std(), settings.PingPath, settings.NetstatPath,
		log.With("component", "probe"))
	sup := tunnel.NewSupervisor(store, reg, settings, log.With("component", "supervisor"))
	rep := status.NewReporter(store, reg, prober, log.With("component", "status"))
	pair := pairing.New(store, settings, log.With("component", "pairing"))

	return &App{
		Settings:   settings,
		Log:        log,
		Store:      store,
		Registry:   reg,
		Supervisor: sup,
		Reporter:   rep,
		Pairing:    pair,
		StartedAt:  time.Now(),
	}, nil
}

// preflight terminates immediately when an external tool is missing or the
// process lacks root privileges; everything after it assumes both.
func preflight() error {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dependencies: %s; install them with your package manager",
			strings.Join(missing, ", "))
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command must be run with root privileges (sudo)")
	}
	return nil
}

// On SIGINT/SIGTERM, drain every supervised group before exiting.
func watchSignals(a *App) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		a.Log.Info("signal received, stopping all tunnels", "signal", sig.String())
		a.Supervisor.StopAll()
		os.Exit(0)
	}()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// forGroupOrAll runs fn on the named group, or on every configured group
// when no name was given. Fleet sweeps never abort on one group's failure.
func forGroupOrAll(args []string, fn func(string) error, all func() error) error {
	if len(args) > 0 {
		return fn(args[0])
	}
	return all()
}

var rootCmd = &cobra.Command{
	Use:           "sshtunnel",
	Short:         "Supervise persistent SSH tunnels",
	Long:          `sshtunnel starts, stops and health-checks groups of persistent SSH tunnels driven by per-group configuration documents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
			return nil
		}
		if err := preflight(); err != nil {
			return err
		}
		var err error
		app, err = newApp()
		if err != nil {
			return err
		}
		watchSignals(app)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [group]",
	Short: "Start a tunnel group, or all groups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forGroupOrAll(args, app.Supervisor.Start, app.Supervisor.StartAll)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [group]",
	Short: "Stop a tunnel group, or all groups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forGroupOrAll(args, func(name string) error {
			app.Supervisor.Stop(name)
			return nil
		}, app.Supervisor.StopAll)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [group]",
	Short: "Restart a tunnel group, or all groups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forGroupOrAll(args, app.Supervisor.Restart, app.Supervisor.RestartAll)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report every supervised process and its liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(app.Reporter.ProcessSummary())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [group]",
	Short: "Probe tunnel endpoints: fleet summary, or full detail for one group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return printJSON(app.Reporter.GroupDetail(args[0]))
		}
		return printJSON(app.Reporter.FleetSummary())
	},
}

var addCmd = &cobra.Command{
	Use:   "add <group> <tunnel> <kind> <params...>",
	Short: "Add a tunnel to a group and restart it",
	Long: `Add a tunnel to a group's configuration and hard-restart the group.

Kinds and their parameters:
  -L listen_port endpoint_host endpoint_port
  -R listen_host listen_port endpoint_host endpoint_port
  -D listen_port`,
	Args: cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, name, kind := args[0], args[1], args[2]
		if !strings.HasPrefix(kind, "-") {
			kind = "-" + kind
		}
		if err := app.Store.AddTunnel(group, name, kind, args[3:]); err != nil {
			return err
		}
		return app.Supervisor.Restart(group)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <group> <tunnel>",
	Short: "Remove every tunnel with the given name from a group and restart it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := app.Store.RemoveTunnel(args[0], args[1])
		if err != nil {
			return err
		}
		if removed == 0 {
			fmt.Printf("no tunnel named %s in %s\n", args[1], args[0])
			return nil
		}
		return app.Supervisor.Restart(args[0])
	},
}

var (
	pairingIP        string
	pairingUser      string
	pairingPassword  string
	pairingBandwidth string
)

var pairingCmd = &cobra.Command{
	Use:   "pairing <group>",
	Short: "Pair with a remote host: generate a key, provision the tunnel user, write the config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pairingIP == "" || pairingUser == "" || pairingPassword == "" {
			return fmt.Errorf("pairing requires --ip, --user and --password")
		}
		return app.Pairing.Run(args[0], pairingIP, pairingUser, pairingPassword, pairingBandwidth)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sshtunnel %s\n", Version)
	},
}

func init() {
	pairingCmd.Flags().StringVarP(&pairingIP, "ip", "i", "", "remote host address")
	pairingCmd.Flags().StringVarP(&pairingUser, "user", "u", "", "admin user on the remote host")
	pairingCmd.Flags().StringVarP(&pairingPassword, "password", "p", "", "admin password")
	pairingCmd.Flags().StringVarP(&pairingBandwidth, "bandwidth", "b", "", "shaping limits as up/down in KB/s")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd, checkCmd,
		addCmd, removeCmd, pairingCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
