package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"zerodha-oms/internal/api"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

func newIntentCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Queue and inspect trade intents",
	}
	cmd.AddCommand(newIntentSubmitCmd(env))
	cmd.AddCommand(newIntentShowCmd(env))
	cmd.AddCommand(newIntentListCmd(env))
	return cmd
}

func newIntentSubmitCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an intent for the running daemon",
		Long: `Queue an intent. The payload is a JSON object with a "legs" array, read
from --file or, with --file -, from stdin. The daemon's consumer for the
intent type picks it up on its next poll.`,
		Example: `  oms intent submit --type GENERIC --file entry.json --reason "open straddle"
  cat legs.json | oms intent submit --type BASKET --file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			typ, _ := cmd.Flags().GetString("type")
			path, _ := cmd.Flags().GetString("file")
			id, _ := cmd.Flags().GetString("id")
			reason, _ := cmd.Flags().GetString("reason")
			source, _ := cmd.Flags().GetString("source")

			payload, err := readPayload(cmd, path)
			if err != nil {
				return fail(output, err, "Reading payload")
			}
			entry := &models.IntentEntry{
				IntentID: id,
				Type:     models.IntentType(strings.ToUpper(typ)),
				Payload:  payload,
				Reason:   reason,
				Source:   source,
			}
			if entry.IntentID == "" {
				entry.IntentID = uuid.NewString()
			}
			if err := checkIntent(entry); err != nil {
				return fail(output, err, "Invalid intent")
			}

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			if err := oms.Access.CheckPermission(ctx, security.OpSubmitIntent); err != nil {
				return fail(output, err, "Intent refused")
			}
			if err := oms.Store.EnqueueIntent(ctx, entry); err != nil {
				return fail(output, err, "Queueing intent")
			}
			oms.Audit.LogIntent(ctx, entry.IntentID, string(entry.Type), entry.Source)

			if output.IsJSON() {
				return output.JSON(api.SubmitIntentResponse{Accepted: true, IntentID: entry.IntentID})
			}
			output.Success("✓ Intent %s queued", entry.IntentID)
			output.Dim("Track it with: oms intent show %s", entry.IntentID)
			return nil
		},
	}

	cmd.Flags().StringP("type", "t", string(models.IntentGeneric), "intent type: GENERIC, STRATEGY, ADVANCED or BASKET")
	cmd.Flags().StringP("file", "f", "", "payload JSON file, - for stdin")
	cmd.Flags().String("id", "", "intent id (default: random)")
	cmd.Flags().String("reason", "", "free-text reason")
	cmd.Flags().String("source", "cli", "producer name")
	cmd.MarkFlagRequired("file")

	return cmd
}

func readPayload(cmd *cobra.Command, path string) (json.RawMessage, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// checkIntent applies the same structural checks as the intake API.
func checkIntent(entry *models.IntentEntry) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("%w: unknown intent type %q", apperrors.ErrInvalidIntent, entry.Type)
	}
	var payload models.IntentPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("%w: payload: %v", apperrors.ErrInvalidIntent, err)
	}
	if len(payload.Legs) == 0 && entry.Type != models.IntentStrategy {
		return fmt.Errorf("%w: payload has no legs", apperrors.ErrInvalidIntent)
	}
	return nil
}

func newIntentShowCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <intent_id>",
		Short: "Show an intent and its per-leg results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			entry, err := oms.Store.GetIntent(ctx, args[0])
			if err != nil {
				return fail(output, err, "Intent %s", args[0])
			}
			if output.IsJSON() {
				return output.JSON(api.NewIntentView(*entry))
			}

			output.Bold("Intent %s", entry.IntentID)
			output.Printf("  Type:     %s\n", entry.Type)
			output.Printf("  Status:   %s\n", output.IntentStatus(entry.Status))
			output.Printf("  Source:   %s\n", emptyAs(entry.Source, "-"))
			output.Printf("  Reason:   %s\n", emptyAs(entry.Reason, "-"))
			output.Printf("  Created:  %s\n", FormatDateTime(entry.CreatedAt))
			output.Printf("  Updated:  %s\n", FormatDateTime(entry.UpdatedAt))
			if len(entry.Result) == 0 {
				return nil
			}
			output.Println()
			table := NewTable(output, "LEG", "SYMBOL", "TYPE", "ACCEPTED", "STATUS", "COMMAND", "ERROR")
			for _, r := range entry.Result {
				accepted := "no"
				if r.Accepted {
					accepted = "yes"
				}
				table.AddRow(fmt.Sprint(r.LegIndex), r.Symbol, string(r.ExecutionType), accepted,
					output.Status(r.Status), emptyAs(r.CommandID, "-"), TruncateString(r.Error, 48))
			}
			table.Render()
			return nil
		},
	}
}

func newIntentListCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			typ, _ := cmd.Flags().GetString("type")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			oms, err := env.OMS()
			if err != nil {
				return err
			}
			entries, err := oms.Store.ListIntents(ctx, store.IntentFilter{
				Type:   models.IntentType(strings.ToUpper(typ)),
				Status: models.IntentStatus(strings.ToUpper(status)),
				Limit:  limit,
			})
			if err != nil {
				return fail(output, err, "Listing intents")
			}

			if output.IsJSON() {
				views := make([]api.IntentView, 0, len(entries))
				for _, e := range entries {
					views = append(views, api.NewIntentView(e))
				}
				return output.JSON(views)
			}
			if len(entries) == 0 {
				output.Dim("No intents")
				return nil
			}
			table := NewTable(output, "INTENT", "TYPE", "STATUS", "SOURCE", "RESULTS", "CREATED")
			for _, e := range entries {
				table.AddRow(e.IntentID, string(e.Type), output.IntentStatus(e.Status),
					emptyAs(e.Source, "-"), fmt.Sprint(len(e.Result)), FormatDateTime(e.CreatedAt))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("type", "", "filter by intent type")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Int("limit", 50, "maximum rows")

	return cmd
}
