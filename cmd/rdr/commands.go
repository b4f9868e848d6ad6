package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/rdr/internal/daemon"
	"github.com/msageha/rdr/internal/probe"
	"github.com/msageha/rdr/internal/recovery"
	"github.com/msageha/rdr/internal/setup"
	"github.com/msageha/rdr/internal/status"
	"github.com/msageha/rdr/internal/task"
	"github.com/msageha/rdr/internal/uds"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create the .rdr/ layout and a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		base, err := setup.Run(dir, initForce)
		if err != nil {
			return err
		}
		success(cmd, "initialized %s", base)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the recovery daemon for this project in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		root, cfg, _, err := loadProject()
		if err != nil {
			return err
		}
		d, err := daemon.New(root, cfg)
		if err != nil {
			return err
		}
		return d.Run()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon, rate gate, pending queue and task health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, paths, err := loadProject()
		if err != nil {
			return err
		}
		return status.Run(cmd.Context(), cmd.OutOrStdout(), paths, cfg, jsonOutput)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>...",
	Short: "Queue tasks for the next recovery cycle",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res daemon.EnqueueResult
		if err := call(cmd, uds.CmdEnqueue, daemon.EnqueueParams{TaskIDs: args}, &res); err != nil {
			return err
		}
		success(cmd, "pending: %v", res.Pending)
		return nil
	},
}

var scanNow bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan every task and queue the ones that need recovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res daemon.ScanResult
		if err := call(cmd, uds.CmdScan, daemon.ScanParams{Now: scanNow}, &res); err != nil {
			return err
		}
		success(cmd, "enqueued %d, pending: %v", res.Enqueued, res.Pending)
		return nil
	},
}

var resumeReason string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a rate-limit pause",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res daemon.RateLimitClearResult
		if err := call(cmd, uds.CmdRateLimitClear, daemon.RateLimitClearParams{Reason: resumeReason}, &res); err != nil {
			return err
		}
		if !res.Cleared {
			fmt.Fprintln(cmd.OutOrStdout(), "rate gate was not paused")
			return nil
		}
		success(cmd, "rate gate cleared")
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:       "session <busy|idle>",
	Short:     "Report the analysis session's state to the daemon",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"busy", "idle"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, uds.CmdSessionState, daemon.SessionStateParams{State: args[0]}, nil); err != nil {
			return err
		}
		success(cmd, "session %s", args[0])
		return nil
	},
}

var usageResetAt string

var usageCmd = &cobra.Command{
	Use:   "usage <percent>",
	Short: "Push a session quota reading to the rate gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("percent: %w", err)
		}
		params := daemon.UsageParams{Percent: pct}
		if usageResetAt != "" {
			if params.ResetAt, err = time.Parse(time.RFC3339, usageResetAt); err != nil {
				return fmt.Errorf("--reset-at: %w", err)
			}
		}
		var res daemon.UsageResult
		if err := call(cmd, uds.CmdUsage, params, &res); err != nil {
			return err
		}
		switch {
		case res.Blocked:
			fmt.Fprintln(cmd.OutOrStdout(), "rate gate paused")
		case res.Warning:
			fmt.Fprintln(cmd.OutOrStdout(), "rate gate warning")
		default:
			success(cmd, "rate gate open")
		}
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <task-id>",
	Short: "Print a task's reconciled state and classification without acting on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, paths, err := loadProject()
		if err != nil {
			return err
		}
		engine, err := recovery.NewEngine(recovery.ConfigFrom(cfg.Recovery, paths.SignalPath), recovery.Deps{
			Reader:   task.NewReader(paths, nil),
			Liveness: probe.NewPIDFile(paths.SpecDir),
		})
		if err != nil {
			return err
		}
		ex, err := engine.Explain(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ex)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "task:          %s\n", ex.ID)
		fmt.Fprintf(out, "status:        %s", ex.Status)
		if ex.WorktreeStatus != "" {
			fmt.Fprintf(out, " (worktree: %s)", ex.WorktreeStatus)
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "progress:      %d/%d (%d%%)\n", ex.Progress.Completed, ex.Progress.Total, ex.Progress.Percent())
		fmt.Fprintf(out, "agent alive:   %v\n", ex.Alive)
		fmt.Fprintf(out, "attempts:      %d\n", ex.AttemptCount)
		fmt.Fprintf(out, "intervention:  %s (rule %s)\n", ex.Intervention, ex.Rule)
		if ex.OptedOut {
			fmt.Fprintln(out, "batch:         - (opted out)")
		} else if ex.Batch != "" {
			fmt.Fprintf(out, "batch:         %s\n", ex.Batch)
		}
		for _, c := range ex.Corrupt {
			fmt.Fprintf(out, "corrupt:       %s\n", c)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := call(cmd, uds.CmdShutdown, nil, nil); err != nil {
			return err
		}
		success(cmd, "shutdown requested")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config.yaml")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	classifyCmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	scanCmd.Flags().BoolVar(&scanNow, "now", false, "flush right away instead of waiting for the collection window")
	resumeCmd.Flags().StringVar(&resumeReason, "reason", "", "reason recorded with the clear (default: manual)")
	usageCmd.Flags().StringVar(&usageResetAt, "reset-at", "", "quota reset time (RFC3339)")
}
