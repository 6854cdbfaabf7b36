// Package main implements vctl, the command-line client for a validationd server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/validationd/internal/apiclient"
	apihttp "github.com/fyrsmithlabs/validationd/internal/http"
	"github.com/fyrsmithlabs/validationd/internal/monitor"
	"github.com/fyrsmithlabs/validationd/internal/run"
)

var version = "dev"

type globals struct {
	server  string
	token   string
	asJSON  bool
	timeout time.Duration
}

func (g *globals) client() *apiclient.Client {
	return apiclient.New(g.server, g.token, apiclient.WithTimeout(g.timeout))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "vctl",
		Short: "CLI for validationd run operations",
		Long: `vctl starts validation runs on a validationd server, inspects their
progress and answers checkpoints.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr("VALIDATIOND_URL", "http://localhost:8080"), "validationd server URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("VALIDATIOND_TOKEN"), "bearer token")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON responses")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(
		newHealthCmd(g),
		newInitiateCmd(g),
		newStatusCmd(g),
		newDecideCmd(g),
		newDecisionsCmd(g),
		newAlternativesCmd(g),
		newWaitCmd(g),
		newWatchCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check validationd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := g.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), h)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", h.Status)
			fmt.Fprintf(out, "Server URL: %s\n", g.server)
			fmt.Fprintf(out, "Pending kickoffs: %d\n", h.PendingKickoffs)
			return nil
		},
	}
}

func newInitiateCmd(g *globals) *cobra.Command {
	var req apihttp.InitiateRequest
	cmd := &cobra.Command{
		Use:   "initiate <idea>",
		Short: "Start a validation run for an idea",
		Long: `Start a validation run. Reusing --key returns the original run instead of
starting another one.

Examples:
  vctl initiate "A marketplace for used lab equipment"
  vctl initiate --flow quick_start --key demo-1 "Meal kits for climbers"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RawIdea = args[0]
			if req.IdempotencyKey == "" {
				req.IdempotencyKey = uuid.NewString()
			}
			resp, err := g.client().Initiate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", resp.RunID)
			fmt.Fprintf(out, "Project: %s\n", resp.ProjectID)
			fmt.Fprintf(out, "Status: %s\n", resp.Status)
			if resp.Replayed {
				fmt.Fprintln(out, "Replayed: run already started for this key")
			}
			if resp.Deferred {
				fmt.Fprintln(out, "Deferred: kickoff will be retried by the server")
			}
			fmt.Fprintf(out, "Key: %s\n", req.IdempotencyKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.IdempotencyKey, "key", "", "idempotency key (random when empty)")
	cmd.Flags().StringVar(&req.Context, "context", "", "extra context for the executor")
	cmd.Flags().StringVar(&req.Flow, "flow", "", "phase flow (default, quick_start, legacy)")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newDecideCmd(g *globals) *cobra.Command {
	var req apihttp.DecisionRequest
	cmd := &cobra.Command{
		Use:   "decide <run-id>",
		Short: "Answer the checkpoint a run is paused at",
		Long: `Answer a checkpoint. The decision must be one of the checkpoint's options,
or override_proceed or kill_project.

Examples:
  vctl decide r1 --checkpoint segment_review --decision proceed
  vctl decide r1 --checkpoint value_review --decision kill_project --feedback "no market"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().Decide(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resumed: %t\n", res.Resumed)
			if res.Message != "" {
				fmt.Fprintf(out, "Message: %s\n", res.Message)
			}
			if res.NextPhase != nil {
				fmt.Fprintf(out, "Next phase: %d\n", *res.NextPhase)
			}
			if res.PivotType != "" {
				fmt.Fprintf(out, "Pivot: %s (%d of %d)\n", res.PivotType, res.PivotCount, res.MaxPivots)
			}
			printSnapshot(out, &res.Run)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Checkpoint, "checkpoint", "", "checkpoint identifier")
	cmd.Flags().StringVar(&req.Decision, "decision", "", "chosen option id")
	cmd.Flags().StringVar(&req.Feedback, "feedback", "", "free-text feedback")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newDecisionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <run-id>",
		Short: "List the decisions recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := g.client().Decisions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), ds)
			}
			out := cmd.OutOrStdout()
			if len(ds) == 0 {
				fmt.Fprintln(out, "No decisions recorded")
				return nil
			}
			for _, d := range ds {
				line := fmt.Sprintf("%s  %-20s %-18s", d.DecidedAt, d.Checkpoint, d.Decision)
				if d.PivotType != "" {
					line += " pivot=" + d.PivotType
				}
				if d.DecidedBy != "" {
					line += " by=" + d.DecidedBy
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newAlternativesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "alternatives <run-id>",
		Short: "Show the pivot alternatives offered at the current checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := g.client().Alternatives(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checkpoint: %s\n", rec.Checkpoint)
			fmt.Fprintf(out, "Pivot: %s (%d of %d used)\n", rec.Type, rec.PivotCount, rec.MaxPivots)
			if rec.LimitReached {
				fmt.Fprintln(out, "Pivot limit reached: only override_proceed or kill_project remain")
			}
			for _, s := range rec.Segments {
				fmt.Fprintf(out, "  segment  %s\n", s.ID)
			}
			for _, v := range rec.Values {
				fmt.Fprintf(out, "  value    %s\n", v.ID)
			}
			for _, f := range rec.Features {
				fmt.Fprintf(out, "  feature  %s\n", f.ID)
			}
			for _, l := range rec.Levers {
				fmt.Fprintf(out, "  lever    %s\n", l.ID)
			}
			return nil
		},
	}
}

func newWaitCmd(g *globals) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Block until a run pauses, completes or fails",
		Long: `Block until the run reaches a checkpoint or finishes. Exits non-zero when
the window closes first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := g.client().Wait(cmd.Context(), args[0], window)
			if err != nil {
				return err
			}
			if g.asJSON {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else if resp.Run != nil {
				printSnapshot(cmd.OutOrStdout(), resp.Run)
			}
			if !resp.Done {
				return fmt.Errorf("run %s still in progress after %s", args[0], window)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 5*time.Minute, "how long the server may hold the request")
	return cmd
}

func newWatchCmd(g *globals) *cobra.Command {
	var (
		interval   time.Duration
		exitOnDone bool
	)
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Interactive dashboard for a run",
		Long: `Show a live dashboard with run status, phase progress and any open
checkpoint. Press q to quit and r to refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := monitor.NewModel(g.client(), g.server, args[0], interval)
			if exitOnDone {
				m = m.WithExitOnDone()
			}
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			final, err := p.Run()
			if err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			if fm, ok := final.(monitor.Model); ok && fm.Snapshot() != nil {
				printSnapshot(cmd.OutOrStdout(), fm.Snapshot())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().BoolVar(&exitOnDone, "exit", false, "quit once the run completes or fails")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, snap *run.Snapshot) {
	fmt.Fprintf(w, "Run: %s\n", snap.RunID)
	fmt.Fprintf(w, "Status: %s\n", monitor.StatusLabel(snap.Status))
	phase := fmt.Sprintf("%d", snap.CurrentPhase)
	if snap.PhaseName != "" {
		phase += " (" + snap.PhaseName + ")"
	}
	fmt.Fprintf(w, "Phase: %s %s\n", phase, monitor.FormatPercent(snap.Progress.ProgressPct))
	fmt.Fprintf(w, "Overall: %s\n", monitor.FormatPercent(snap.OverallProgress))
	if cp := snap.HITLCheckpoint; cp != nil && snap.Status == run.StatusPaused {
		fmt.Fprintf(w, "Checkpoint: %s (%s)\n", cp.Checkpoint, cp.Title)
		for _, o := range cp.Options {
			mark := " "
			if o.ID == cp.Recommended {
				mark = "*"
			}
			fmt.Fprintf(w, "  %s %s  %s\n", mark, o.ID, o.Label)
		}
	}
	if snap.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", snap.Error)
	}
}
