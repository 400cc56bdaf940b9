// Command relay manages and runs automations: it watches trigger sources,
// executes actions, and provides approval and inspection tooling.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/deepnoodle-ai/relay/approval"
	"github.com/deepnoodle-ai/relay/config"
	"github.com/deepnoodle-ai/relay/connector"
	"github.com/deepnoodle-ai/relay/engine"
	"github.com/deepnoodle-ai/relay/sandbox"
	"github.com/deepnoodle-ai/relay/slogger"
	"github.com/deepnoodle-ai/relay/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Automation execution engine",
	Long: `relay executes user-defined automations: triggers turn external events
into runs, actions go through connectors or a sandboxed bash runner, and
every run leaves an execution record.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to relay config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override directory for the relay database")
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(executionsCmd)
	rootCmd.AddCommand(scriptsCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(reviewCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	if dataDir != "" {
		cfg.DatabasePath = dataDir + "/relay.db"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) slogger.Logger {
	return slogger.New(slogger.LevelFromString(cfg.Log.Level))
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.DatabasePath, store.DefaultOptions())
}

// buildEngine wires the dispatcher and engine from configuration. The
// approvalMode argument overrides the configured mode; watch uses "deny" so
// unapproved scripts block instead of prompting a headless daemon.
func buildEngine(cfg *config.Config, st *store.Store, logger slogger.Logger, connectors *connector.Registry, approvalMode string) (*engine.Engine, error) {
	if approvalMode == "" {
		approvalMode = cfg.Approval.Mode
	}
	prompter, err := approval.NewPrompter(approvalMode)
	if err != nil {
		return nil, err
	}
	dispatcher := engine.NewDispatcher(engine.DispatcherOptions{
		Connectors:     connectors,
		Scripts:        st,
		Gate:           approval.NewGate(prompter, logger),
		Runner:         sandbox.NewRunner(sandbox.NewManager(), logger),
		SandboxWorkDir: cfg.Sandbox.WorkDir,
		Logger:         logger,
	})
	return engine.New(engine.Options{
		Dispatcher:       dispatcher,
		Store:            st,
		Logger:           logger,
		HourlyRateLimit:  cfg.Engine.HourlyRateLimit,
		FailureWindow:    cfg.Engine.FailureWindow,
		FailureThreshold: cfg.Engine.FailureThreshold,
	})
}

// defaultConnectors returns the connector registry for this process. The
// local-file connector is always available; external connectors (email,
// spreadsheets) register here when configured.
func defaultConnectors() *connector.Registry {
	registry := connector.NewRegistry()
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	registry.Register(connector.NewLocalFileConnector("files", home))
	return registry
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02 15:04")
}
