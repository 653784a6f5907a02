package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/unreact/internal/config"
	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/output"
	"github.com/3leaps/unreact/pkg/registry"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and maintain the saved message list",
	Long: `Read or edit the registry of watched messages directly.

These commands work on the database file and are meant for when the bot is
stopped. A running bot only picks up changes on its next start.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved messages",
	Long: `List every saved message, oldest first.

Examples:
  unreact tasks list
  unreact tasks list --format jsonl | jq .data.reference`,
	Args: cobra.NoArgs,
	RunE: runTasksList,
}

var tasksRemoveCmd = &cobra.Command{
	Use:   "remove <reference>...",
	Short: "Remove saved messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksRemove,
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every saved message",
	Args:  cobra.NoArgs,
	RunE:  runTasksClear,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksRemoveCmd, tasksClearCmd)

	tasksListCmd.Flags().String("format", "table", "output format: table, json, jsonl, yaml")
	tasksRemoveCmd.Flags().String("format", "table", "output format: table, jsonl")
	tasksClearCmd.Flags().Bool("yes", false, "confirm removing every saved message")
}

func openRegistry(ctx context.Context) (*registry.Store, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	store, err := registry.Open(ctx, registryConfig(cfg))
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open registry", err)
	}
	return store, nil
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		Path:      cfg.Registry.Path,
		URL:       cfg.Registry.URL,
		AuthToken: cfg.Registry.AuthToken,
	}
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")
	if !validFormat(format, "table", "json", "jsonl", "yaml") {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", fmt.Errorf("unsupported format %q", format))
	}

	store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	records, err := store.List(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read registry", err)
	}
	return printRecords(ctx, cmd.OutOrStdout(), format, records)
}

func printRecords(ctx context.Context, w io.Writer, format string, records []registry.Record) error {
	tasks := make([]output.TaskRecord, len(records))
	for i, r := range records {
		tasks[i] = output.TaskRecord{
			Reference:   r.Reference,
			ContainerID: r.ContainerID,
			MessageID:   r.MessageID,
			Durable:     true,
			CreatedAt:   r.CreatedAt,
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(tasks)
	case "jsonl":
		start := time.Now()
		jw := output.NewJSONLWriter(w, uuid.NewString(), "registry")
		defer func() { _ = jw.Close() }()
		for i := range tasks {
			if err := jw.WriteTask(ctx, &tasks[i]); err != nil {
				return err
			}
		}
		return jw.WriteSummary(ctx, &output.SummaryRecord{
			Total:    len(tasks),
			Durable:  len(tasks),
			Duration: time.Since(start).Milliseconds(),
		})
	default:
		if len(tasks) == 0 {
			_, err := fmt.Fprintln(w, "No saved messages")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "CHANNEL\tMESSAGE\tSAVED\tREFERENCE")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ContainerID, t.MessageID, t.CreatedAt.UTC().Format(time.RFC3339), t.Reference)
		}
		return tw.Flush()
	}
}

func runTasksRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")
	if !validFormat(format, "table", "jsonl") {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value", fmt.Errorf("unsupported format %q", format))
	}

	var refs []string
	for _, a := range args {
		refs = append(refs, locator.Split(a)...)
	}

	store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	outcomes, failed := removeReferences(ctx, store, refs)
	if err := printOutcomes(ctx, cmd.OutOrStdout(), format, outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return exitError(foundry.ExitFileWriteError, "Some references could not be removed", fmt.Errorf("failed=%d", failed))
	}
	return nil
}

func removeReferences(ctx context.Context, store *registry.Store, refs []string) ([]output.OutcomeRecord, int) {
	outcomes := make([]output.OutcomeRecord, 0, len(refs))
	failed := 0
	for _, ref := range refs {
		o := output.OutcomeRecord{Command: "remove", Reference: ref}
		removed, err := store.Delete(ctx, ref)
		switch {
		case err != nil:
			o.Outcome = "failed"
			o.Error = err.Error()
			failed++
		case removed:
			o.Outcome = "removed"
		default:
			o.Outcome = "not_saved"
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, failed
}

func printOutcomes(ctx context.Context, w io.Writer, format string, outcomes []output.OutcomeRecord) error {
	if format == "jsonl" {
		jw := output.NewJSONLWriter(w, uuid.NewString(), "registry")
		defer func() { _ = jw.Close() }()
		for i := range outcomes {
			if err := jw.WriteOutcome(ctx, &outcomes[i]); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OUTCOME\tREFERENCE")
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", o.Outcome, o.Reference)
	}
	return tw.Flush()
}

var errNotConfirmed = errors.New("pass --yes to confirm")

func runTasksClear(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return exitError(foundry.ExitInvalidArgument, "Refusing to clear the registry", errNotConfirmed)
	}

	store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.DeleteAll(ctx)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to clear registry", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d saved message(s)\n", n)
	return err
}

func validFormat(format string, allowed ...string) bool {
	return slices.Contains(allowed, format)
}
