package cli

import (
	"errors"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/trading"
)

func newExitCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Close open positions",
		Long: `Register EXIT legs for open broker positions. Quantities and sides come
from the broker's position book, never from the command line. The running
daemon places the legs on its next watcher cycle.

Exactly one scope is required: --all, --symbols or --strategy. Delivery
holdings are never exited.`,
		Example: `  oms exit --all --force --reason "kill switch"
  oms exit --symbols NIFTY24DEC24000CE,NFO:NIFTY24DEC24000PE
  oms exit --strategy alpha --product MIS`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			scope, err := exitScope(cmd)
			if err != nil {
				return fail(output, err, "Invalid scope")
			}
			force, _ := cmd.Flags().GetBool("force")
			reason, _ := cmd.Flags().GetString("reason")
			product, _ := cmd.Flags().GetString("product")

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			records, err := oms.Exits.Exit(ctx, trading.ExitRequest{
				Scope:   scope,
				Product: models.ProductType(strings.ToUpper(product)),
				Reason:  reason,
				Source:  "cli",
				Force:   force,
			})

			if output.IsJSON() {
				views := make([]api.OrderView, 0, len(records))
				for _, r := range records {
					views = append(views, api.NewOrderView(r))
				}
				body := map[string]interface{}{"legs": views}
				if err != nil {
					body["error"] = err.Error()
				}
				output.JSON(body)
				return err
			}

			if len(records) == 0 && err == nil {
				output.Info("Nothing open for %s", scope)
				return nil
			}
			if len(records) > 0 {
				output.Success("✓ %d exit leg(s) registered for %s", len(records), scope)
				renderOrders(output, records)
			}
			if err != nil {
				return fail(output, err, "Exit incomplete")
			}
			return nil
		},
	}

	cmd.Flags().Bool("all", false, "exit every intraday and F&O position")
	cmd.Flags().StringSlice("symbols", nil, "exit these symbols (SYMBOL or EXCHANGE:SYMBOL)")
	cmd.Flags().String("strategy", "", "exit what this strategy holds")
	cmd.Flags().String("product", "", "restrict to one product: MIS or NRML")
	cmd.Flags().Bool("force", false, "record as a force exit")
	cmd.Flags().String("reason", "manual exit", "reason recorded in the audit log")

	return cmd
}

func exitScope(cmd *cobra.Command) (trading.ExitScope, error) {
	all, _ := cmd.Flags().GetBool("all")
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	strategy, _ := cmd.Flags().GetString("strategy")

	var scopes []trading.ExitScope
	if all {
		scopes = append(scopes, trading.ExitScope{Kind: trading.ExitScopeAll})
	}
	if len(symbols) > 0 {
		scopes = append(scopes, trading.ExitScope{Kind: trading.ExitScopeSymbols, Symbols: symbols})
	}
	if strategy != "" {
		scopes = append(scopes, trading.ExitScope{Kind: trading.ExitScopeStrategy, Strategy: strategy})
	}
	if len(scopes) != 1 {
		return trading.ExitScope{}, errors.New("give exactly one of --all, --symbols or --strategy")
	}
	return scopes[0], nil
}

func newPositionsCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show strategy exposure reconciled against the broker",
		Long: `Rebuild the execution guard from the order store and the broker's
position book and show what each strategy holds. Broker quantity that no
strategy accounts for is shown under EXTERNAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			if err := oms.Guard.Reconcile(ctx); err != nil {
				return fail(output, err, "Reconcile")
			}
			state := oms.Guard.State()
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"strategy_positions": state.StrategyPositions,
					"global_positions":   state.GlobalPositions,
					"reconciled_at":      state.ReconciledAt,
				})
			}

			strategies := make([]string, 0, len(state.StrategyPositions))
			for s := range state.StrategyPositions {
				strategies = append(strategies, s)
			}
			sort.Strings(strategies)
			if len(strategies) == 0 {
				output.Dim("No open exposure")
				return nil
			}

			table := NewTable(output, "STRATEGY", "SYMBOL", "NET QTY")
			for _, s := range strategies {
				symbols := make([]string, 0, len(state.StrategyPositions[s]))
				for sym := range state.StrategyPositions[s] {
					symbols = append(symbols, sym)
				}
				sort.Strings(symbols)
				for _, sym := range symbols {
					table.AddRow(s, sym, FormatSignedQty(state.StrategyPositions[s][sym]))
				}
			}
			table.Render()
			output.Dim("Reconciled at %s", FormatDateTime(state.ReconciledAt))
			return nil
		},
	}
}
