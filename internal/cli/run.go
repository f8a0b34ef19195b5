package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the order management daemon",
		Long: `Run the order watcher, one intent consumer per intent type, the risk
monitor, the market data feed and, when enabled, the intake API.

The daemon reconciles against the broker before accepting work and stops
cleanly on SIGINT or SIGTERM.`,
		Example: `  oms run
  oms run --read-only
  oms run --api --listen 127.0.0.1:8088`,
		Annotations: map[string]string{annotDaemon: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("read-only") {
				env.Config.Security.ReadOnlyMode, _ = cmd.Flags().GetBool("read-only")
			}
			if cmd.Flags().Changed("api") {
				env.Config.API.Enabled, _ = cmd.Flags().GetBool("api")
			}
			if cmd.Flags().Changed("listen") {
				env.Config.API.Listen, _ = cmd.Flags().GetString("listen")
			}
			if err := env.Config.Validate(); err != nil {
				return err
			}

			oms, err := env.OMS()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = oms.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Bool("read-only", false, "refuse every order-creating operation")
	cmd.Flags().Bool("api", false, "serve the intake API")
	cmd.Flags().String("listen", "", "intake API listen address")

	return cmd
}
