// Package cli provides the command-line interface of the order management
// system.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zerodha-oms/internal/app"
	"zerodha-oms/internal/config"
	"zerodha-oms/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-12-01"
)

// annotation keys understood by the root command.
const (
	annotSkipConfig = "skip-config"
	annotDaemon     = "daemon"
)

// commandTimeout bounds one-shot commands that talk to the broker.
const commandTimeout = 30 * time.Second

// Env holds what commands share: the loaded configuration, the logger and,
// once a command asks for it, the wired OMS.
type Env struct {
	Config *config.Config
	Logger zerolog.Logger

	configDir string
	opts      app.Options
	oms       *app.App
}

// OMS builds the component graph on first use.
func (e *Env) OMS() (*app.App, error) {
	if e.oms != nil {
		return e.oms, nil
	}
	a, err := app.New(e.Config, e.Logger, e.opts)
	if err != nil {
		return nil, err
	}
	e.oms = a
	return a, nil
}

// Close releases the OMS if a command built one.
func (e *Env) Close() error {
	if e.oms == nil {
		return nil
	}
	err := e.oms.Close()
	e.oms = nil
	return err
}

// Execute runs the CLI with os.Args.
func Execute(ctx context.Context) error {
	env := &Env{}
	defer env.Close()
	return NewRootCmd(env).ExecuteContext(ctx)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(env *Env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oms",
		Short: "Order management system for algorithmic options trading",
		Long: `oms accepts trade intents from strategy producers, turns them into
broker orders on Zerodha Kite Connect and tracks every order to a
terminal state.

Run 'oms run' to start the daemon. The other commands work against the
same order store and can be used while the daemon is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			env.configDir, _ = cmd.Flags().GetString("config")
			if cmd.Annotations[annotSkipConfig] != "true" {
				if err := env.load(cmd.Annotations[annotDaemon] == "true"); err != nil {
					return err
				}
			}
			if debug {
				logging.SetDebugLevel()
				env.Logger = env.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/zerodha-oms)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(env))
	rootCmd.AddCommand(newRunCmd(env))
	rootCmd.AddCommand(newIntentCmd(env))
	rootCmd.AddCommand(newOrderCmd(env))
	rootCmd.AddCommand(newExitCmd(env))
	rootCmd.AddCommand(newPositionsCmd(env))
	rootCmd.AddCommand(newAuthCmd(env))

	return rootCmd
}

// load reads the configuration and builds the logger. One-shot commands log
// only to their own file beside the daemon's, so their output stays clean.
func (e *Env) load(daemon bool) error {
	if e.Config != nil {
		return nil
	}
	cfg, err := config.Load(e.configDir)
	if err != nil {
		return err
	}
	e.Config = cfg

	lc := cfg.Logging
	logCfg := logging.LogConfig{
		Level:      lc.Level,
		Console:    lc.Console && daemon,
		File:       lc.FilePath != "",
		FilePath:   lc.FilePath,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Process:    "cli",
	}
	if daemon {
		logCfg.Process = logging.ProcessDaemon
	}
	if !logCfg.Console && !logCfg.File {
		e.Logger = zerolog.Nop()
		return nil
	}
	e.Logger = logging.NewLogger(logCfg)
	return nil
}

func (e *Env) dir() string {
	if e.configDir != "" {
		return e.configDir
	}
	return config.DefaultConfigDir()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{annotSkipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("oms v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

// withTimeout derives the context one-shot commands run under.
func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}

// fail prints err and returns it, so cobra exits non-zero without
// printing it a second time.
func fail(output *Output, err error, format string, args ...interface{}) error {
	if output.IsJSON() {
		output.JSON(map[string]string{"error": err.Error()})
		return err
	}
	output.Error("%s: %v", fmt.Sprintf(format, args...), err)
	return err
}
