// Package commands implements the rewardctl subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"realmkin-staking/internal/app"
	"realmkin-staking/internal/config"
	"realmkin-staking/internal/scheduler"
)

// Global flags bound by the root command.
var (
	ConfigPath string
	JSONOutput bool
)

// withApp loads configuration, builds the app and runs fn with a context
// cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return err
	}
	app.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// printSummary writes a run summary to stdout.
func printSummary(summary *scheduler.RunSummary) error {
	if JSONOutput {
		return printJSON(summary)
	}

	fmt.Printf("%s: processed=%d updated=%d skipped=%d failed=%d total=%s",
		summary.Job, summary.Processed, summary.Updated, summary.Skipped, summary.Failed, summary.TotalAmount.String())
	if summary.Aborted {
		fmt.Print(" (aborted)")
	}
	fmt.Println()

	for _, d := range summary.Details {
		if d.Outcome != scheduler.OutcomeFailed {
			continue
		}
		fmt.Printf("  %-40s %s\n", d.ID, d.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printFields(title string, fields [][2]string) {
	fmt.Println(title)
	fmt.Println(strings.Repeat("-", len(title)))
	for _, f := range fields {
		fmt.Printf("%-22s %s\n", f[0], f[1])
	}
}

// runJob runs a batch job and prints its summary. An aborted run still
// prints what it did before the error is returned.
func runJob(cmd *cobra.Command, run func(*scheduler.Jobs, context.Context) (*scheduler.RunSummary, error)) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		summary, err := run(a.Jobs, ctx)
		if summary != nil && (err == nil || summary.Processed > 0) {
			if perr := printSummary(summary); perr != nil {
				return perr
			}
		}
		return err
	})
}
