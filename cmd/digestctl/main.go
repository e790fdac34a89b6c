package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"digestd/internal/app"
	"digestd/internal/config"
	"digestd/internal/model"
	"digestd/internal/run"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "digestctl",
		Short:         "Operate digestd feeds and runs from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("verbose", false, "Log pipeline progress to stderr")

	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(feedsCmd())
	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the application and hands it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Notifications from a one-off command would duplicate the daemon's.
	cfg.TelegramBotToken = ""

	out := io.Discard
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		out = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(out, nil))

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <feed_id>",
		Short: "Run a feed now and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				runID, err := a.Runs.Create(ctx, feedID, model.TriggeredManually)
				if errors.Is(err, run.ErrRunActive) {
					return fmt.Errorf("feed %d already has active run %s", feedID, runID)
				}
				if err != nil {
					return err
				}
				if err := a.Runs.Execute(ctx, runID); err != nil {
					return err
				}
				r, err := a.Runs.Get(context.WithoutCancel(ctx), runID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <run_id>",
		Short: "Show a run snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			withDigests, _ := cmd.Flags().GetBool("digests")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				r, err := a.Runs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !withDigests {
					return printJSON(cmd.OutOrStdout(), r)
				}
				digests, err := a.Runs.Digests(ctx, r.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"run": r, "digests": digests})
			})
		},
	}
	cmd.Flags().BoolP("digests", "d", false, "Include the run's digests")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <feed_id>",
		Short: "List recent runs of a feed, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseID(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetUint64("limit")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				runs, err := a.Runs.History(ctx, feedID, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tSTATUS\tTRIGGER\tSOURCES\tFAILED\tDIGESTS\tCREATED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
						r.ID, r.Status, r.TriggeredBy, r.SourcesProcessed, r.SourcesTotal,
						r.SourcesFailed, r.DigestsCreated, r.CreatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Uint64P("limit", "n", 20, "Maximum runs to list")
	return cmd
}

func feedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				feeds, err := a.Catalog.ListFeeds(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tMODE\tSOURCES\tENABLED")
				for _, f := range feeds {
					schedule := "-"
					if f.Schedule != nil && *f.Schedule != "" {
						schedule = *f.Schedule
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%t\n", f.ID, f.Name, schedule, f.Mode, len(f.SourceIDs), f.Enabled)
				}
				return w.Flush()
			})
		},
	}
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List sources with their circuit state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sources, err := a.Catalog.ListSources(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tENABLED\tCIRCUIT\tFAILURES")
				for _, s := range sources {
					fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%d\n", s.ID, s.Name, s.Type, s.Enabled, s.Breaker.State, s.Breaker.Failures)
				}
				return w.Flush()
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker <source_id>",
		Short: "Close a source's circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Catalog.GetSource(ctx, id); err != nil {
					return err
				}
				if err := a.Runs.ResetBreaker(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "source %d: circuit closed\n", id)
				return nil
			})
		},
	}
}
