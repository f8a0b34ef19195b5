package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/api"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/store"
	"zerodha-oms/internal/trading"
)

func newOrderCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "order",
		Aliases: []string{"orders"},
		Short:   "Inspect and manage order records",
	}
	cmd.AddCommand(newOrderShowCmd(env))
	cmd.AddCommand(newOrderListCmd(env))
	cmd.AddCommand(newOrderCancelCmd(env))
	cmd.AddCommand(newOrderModifyCmd(env))
	cmd.AddCommand(newOrphansCmd(env))
	return cmd
}

func newOrderShowCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <command_id>",
		Short: "Show an order record and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			rec, err := oms.Store.GetOrder(ctx, args[0])
			if err != nil {
				return fail(output, err, "Order %s", args[0])
			}
			events, err := oms.Store.ListEvents(ctx, rec.CommandID)
			if err != nil {
				return fail(output, err, "Order %s events", args[0])
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"order":  api.NewOrderView(*rec),
					"events": events,
				})
			}

			output.Bold("Order %s", rec.CommandID)
			output.Printf("  Status:     %s %s\n", output.Status(rec.Status), describeTag(rec.Tag))
			output.Printf("  Leg:        %s %s %d %s:%s %s %s\n", rec.ExecutionType, output.Side(rec.Side),
				rec.Quantity, rec.Exchange, rec.Symbol, rec.Product, rec.OrderType)
			output.Printf("  Strategy:   %s\n", emptyAs(rec.StrategyName, "-"))
			output.Printf("  Intent:     %s\n", emptyAs(rec.IntentID, "-"))
			if rec.ParentCommandID != "" {
				output.Printf("  Parent:     %s\n", rec.ParentCommandID)
			}
			output.Printf("  Price:      %s\n", FormatPrice(rec.Price))
			if rec.HasExitRules() {
				output.Printf("  Rules:      SL %s  TGT %s  TRAIL %s\n",
					FormatPrice(rec.StopLoss), FormatPrice(rec.Target), FormatPrice(rec.TrailPercent))
			}
			output.Printf("  Broker:     %s (tag %s)\n", emptyAs(rec.BrokerOrderID, "-"), emptyAs(rec.BrokerTag, "-"))
			if rec.AveragePrice > 0 {
				output.Printf("  Avg Price:  %.2f\n", rec.AveragePrice)
			}
			output.Printf("  Created:    %s\n", FormatDateTime(rec.CreatedAt))

			if len(events) == 0 {
				return nil
			}
			output.Println()
			table := NewTable(output, "AT", "FROM", "TO", "EVENT", "TAG")
			for _, ev := range events {
				table.AddRow(FormatDateTime(ev.At), emptyAs(string(ev.FromStatus), "-"), output.Status(ev.ToStatus),
					ev.Event, TruncateString(ev.Tag, 48))
			}
			table.Render()
			return nil
		},
	}
}

// describeTag renders a failure tag as a readable block reason.
func describeTag(tag string) string {
	if tag == "" {
		return ""
	}
	reason, ok := trading.ParseBlockReason(tag)
	if !ok {
		return "(" + tag + ")"
	}
	switch reason.Kind {
	case trading.BlockGuard:
		return "(guard: " + reason.Detail + ")"
	case trading.BlockRisk:
		return "(risk rule: " + reason.Detail + ")"
	case trading.BlockDuplicate:
		return "(duplicate: " + reason.Detail + ")"
	}
	return "(broker rejected: " + reason.Detail + ")"
}

func newOrderListCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List order records",
		Example: `  oms order list --status SENT_TO_BROKER
  oms order list --strategy alpha --symbol NIFTY24DEC24000CE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			filter := store.OrderFilter{}
			statuses, _ := cmd.Flags().GetStringSlice("status")
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToUpper(s)))
			}
			execType, _ := cmd.Flags().GetString("type")
			filter.ExecutionType = models.ExecutionType(strings.ToUpper(execType))
			filter.Strategy, _ = cmd.Flags().GetString("strategy")
			filter.Symbol, _ = cmd.Flags().GetString("symbol")
			filter.IntentID, _ = cmd.Flags().GetString("intent")
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			records, err := oms.Store.ListOrders(ctx, filter)
			if err != nil {
				return fail(output, err, "Listing orders")
			}

			if output.IsJSON() {
				views := make([]api.OrderView, 0, len(records))
				for _, r := range records {
					views = append(views, api.NewOrderView(r))
				}
				return output.JSON(views)
			}
			renderOrders(output, records)
			return nil
		},
	}

	cmd.Flags().StringSlice("status", nil, "filter by status (repeatable)")
	cmd.Flags().String("type", "", "filter by execution type: ENTRY or EXIT")
	cmd.Flags().String("strategy", "", "filter by strategy")
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("intent", "", "filter by intent id")
	cmd.Flags().Int("limit", 0, "maximum rows")

	return cmd
}

func renderOrders(output *Output, records []models.OrderRecord) {
	if len(records) == 0 {
		output.Dim("No orders")
		return
	}
	table := NewTable(output, "COMMAND", "TYPE", "STRATEGY", "SIDE", "QTY", "SYMBOL", "STATUS", "BROKER ID", "TAG")
	for _, r := range records {
		table.AddRow(TruncateString(r.CommandID, 40), string(r.ExecutionType), emptyAs(r.StrategyName, "-"),
			output.Side(r.Side), fmt.Sprint(r.Quantity), r.Symbol, output.Status(r.Status),
			emptyAs(r.BrokerOrderID, "-"), TruncateString(r.Tag, 32))
	}
	table.Render()
}

func newOrderCancelCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <command_id>",
		Short: "Cancel an order",
		Long: `Cancel an order. A record not yet at the broker fails immediately. A
record at the broker gets a cancel request and fails once the watcher sees
the broker report it cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			rec, err := oms.Commands.Cancel(ctx, args[0])
			if err != nil {
				return fail(output, err, "Cancel %s", args[0])
			}
			if output.IsJSON() {
				return output.JSON(api.NewOrderView(*rec))
			}
			if rec.Status == models.StatusFailed {
				output.Success("✓ %s cancelled before dispatch", rec.CommandID)
				return nil
			}
			output.Success("✓ Cancel requested for %s (broker order %s)", rec.CommandID, rec.BrokerOrderID)
			return nil
		},
	}
}

func newOrderModifyCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modify <command_id>",
		Short: "Change the limit price of an order at the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			var price *float64
			if cmd.Flags().Changed("price") {
				p, _ := cmd.Flags().GetFloat64("price")
				price = &p
			}
			qty, _ := cmd.Flags().GetInt("qty")

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			rec, err := oms.Commands.Modify(ctx, args[0], price, qty)
			if err != nil {
				return fail(output, err, "Modify %s", args[0])
			}
			if output.IsJSON() {
				return output.JSON(api.NewOrderView(*rec))
			}
			output.Success("✓ Modify requested for %s", rec.CommandID)
			return nil
		},
	}

	cmd.Flags().Float64("price", 0, "new limit price")
	cmd.Flags().Int("qty", 0, "quantity; must equal the registered quantity")
	cmd.MarkFlagRequired("price")

	return cmd
}

func newOrphansCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List broker orders this system did not place",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			orphans, err := oms.Store.ListOrphans(ctx)
			if err != nil {
				return fail(output, err, "Listing orphans")
			}
			if output.IsJSON() {
				return output.JSON(orphans)
			}
			if len(orphans) == 0 {
				output.Dim("No orphan broker orders")
				return nil
			}
			table := NewTable(output, "BROKER ID", "SIDE", "QTY", "SYMBOL", "STATUS", "BROKER TAG", "SEEN")
			for _, o := range orphans {
				table.AddRow(o.BrokerOrderID, output.Side(o.Side), fmt.Sprint(o.Quantity),
					string(o.Exchange)+":"+o.Symbol, o.Status, emptyAs(o.BrokerTag, "-"), FormatDateTime(o.SeenAt))
			}
			table.Render()
			return nil
		},
	}
}
