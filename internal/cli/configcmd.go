package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/config"
	"zerodha-oms/internal/security"
)

func newConfigCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the configuration in config.toml and credentials.toml.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := redacted(env.Config)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{annotSkipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": env.dir()})
			}
			output.Println(env.dir())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration files",
		Annotations: map[string]string{annotSkipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := config.Load(env.dir()); err != nil {
				if output.IsJSON() {
					output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
					return err
				}
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid (%s)", filepath.Join(env.dir(), "config.toml"))
			return nil
		},
	})

	return cmd
}

// redacted returns a copy safe to print.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	z := &out.Credentials.Zerodha
	z.APIKey = security.MaskCredential(z.APIKey)
	z.APISecret = security.MaskCredential(z.APISecret)
	z.AccessToken = security.MaskCredential(z.AccessToken)
	out.API.JWTSecret = security.MaskCredential(out.API.JWTSecret)
	out.Notify.Telegram.BotToken = security.MaskCredential(out.Notify.Telegram.BotToken)
	return out
}

func showConfig(output *Output, cfg config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:              %s\n", cfg.Trading.Mode)
	output.Printf("  Default Product:   %s\n", cfg.Trading.DefaultProduct)
	output.Printf("  Default Exchange:  %s\n", cfg.Trading.DefaultExchange)
	output.Println()

	output.Bold("Order Management")
	output.Printf("  Database:          %s\n", cfg.OMS.DBPath)
	output.Printf("  Poll Interval:     %s\n", cfg.OMS.PollInterval)
	output.Printf("  Intent Poll:       %s\n", cfg.OMS.IntentPoll)
	output.Printf("  Basket Settle:     %s\n", cfg.OMS.SettleTimeout)
	output.Printf("  Reconcile Start:   %v\n", cfg.OMS.ReconcileOnStart)
	output.Printf("  Rule Exits:        %v\n", cfg.OMS.RuleExits)
	output.Printf("  Broker Timeout:    %s\n", cfg.OMS.BrokerTimeout)
	output.Printf("  Breaker:           %d failures, reset after %s\n", cfg.OMS.BreakerThreshold, cfg.OMS.BreakerResetAfter)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Enabled:           %v\n", cfg.Risk.Enabled)
	output.Printf("  Daily Loss Limit:  %s\n", FormatIndianCurrency(cfg.Risk.DailyLossLimit))
	output.Printf("  Max Positions:     %d\n", cfg.Risk.MaxOpenPositions)
	output.Printf("  Exit On Breach:    %v\n", cfg.Risk.ForceExitOnBreach)
	output.Println()

	output.Bold("Market Data")
	output.Printf("  Provider:          %s\n", cfg.Market.Provider)
	output.Printf("  Max Age:           %s\n", cfg.Market.MaxAge)
	output.Println()

	output.Bold("Intake API")
	output.Printf("  Enabled:           %v\n", cfg.API.Enabled)
	output.Printf("  Listen:            %s\n", cfg.API.Listen)
	output.Printf("  Rate Limit:        %.1f/s burst %d\n", cfg.API.RateLimit, cfg.API.RateBurst)
	output.Printf("  JWT Secret:        %s\n", emptyAs(cfg.API.JWTSecret, "(auth disabled)"))
	output.Println()

	output.Bold("Security")
	output.Printf("  Read Only:         %v\n", cfg.Security.ReadOnlyMode)
	output.Printf("  Audit Log:         %s\n", emptyAs(cfg.Security.AuditPath, "-"))
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:           %v (%s)\n", cfg.Notify.Enabled, cfg.Notify.Level)
	output.Printf("  Webhook:           %s\n", emptyAs(cfg.Notify.Webhook.URL, "-"))
	output.Printf("  Telegram Chat:     %s\n", emptyAs(cfg.Notify.Telegram.ChatID, "-"))
	output.Println()

	output.Bold("Credentials")
	output.Printf("  API Key:           %s\n", emptyAs(cfg.Credentials.Zerodha.APIKey, "(not set)"))
	output.Printf("  User ID:           %s\n", emptyAs(cfg.Credentials.Zerodha.UserID, "(not set)"))
}

func emptyAs(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
