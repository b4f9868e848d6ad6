// Package status gathers what `rdr status` prints: the daemon's live view
// when it is running, otherwise the persisted rate gate and signal files,
// plus an offline classification of every task.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/msageha/rdr/internal/daemon"
	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/probe"
	"github.com/msageha/rdr/internal/recovery"
	"github.com/msageha/rdr/internal/task"
	"github.com/msageha/rdr/internal/uds"
)

type Overview struct {
	Daemon   DaemonStatus          `json:"daemon"`
	RateGate model.RateGateState   `json:"rate_gate"`
	Pending  []string              `json:"pending,omitempty"`
	Signal   *model.SignalFile     `json:"signal,omitempty"`
	Tasks    []TaskLine            `json:"tasks"`
	Last     *recovery.CycleReport `json:"last_cycle,omitempty"`
}

type DaemonStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Scheduler string    `json:"scheduler,omitempty"`
}

type TaskLine struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Progress     model.Progress `json:"progress"`
	Intervention string         `json:"intervention"`
	Batch        string         `json:"batch,omitempty"`
	Attempts     int            `json:"attempts"`
}

// Collect builds the overview. The daemon is asked first; when it does not
// answer, the persisted files stand in for its live state.
func Collect(ctx context.Context, paths model.Paths, cfg model.Config) (*Overview, error) {
	ov := &Overview{}

	var rep daemon.StatusReport
	client := uds.NewClient(paths.SocketPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(ctx, uds.CmdStatus, nil, &rep); err == nil {
		ov.Daemon = DaemonStatus{Running: true, PID: rep.PID, StartedAt: rep.StartedAt, Scheduler: rep.Scheduler.State}
		ov.RateGate = rep.RateGate
		ov.Pending = rep.Scheduler.Pending
		ov.Signal = rep.Signal
		if !rep.LastCycle.At.IsZero() {
			last := rep.LastCycle
			ov.Last = &last
		}
	} else {
		if err := readOptional(paths.RateGatePath, &ov.RateGate); err != nil {
			return nil, err
		}
		var sf model.SignalFile
		if err := readOptional(paths.SignalPath, &sf); err != nil {
			return nil, err
		}
		if sf.Timestamp != "" {
			ov.Signal = &sf
		}
	}

	engine, err := recovery.NewEngine(recovery.ConfigFrom(cfg.Recovery, paths.SignalPath), recovery.Deps{
		Reader:   task.NewReader(paths, nil),
		Liveness: probe.NewPIDFile(paths.SpecDir),
	})
	if err != nil {
		return nil, err
	}
	ids, err := task.NewReader(paths, nil).List(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		ex, err := engine.Explain(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			ov.Tasks = append(ov.Tasks, TaskLine{ID: id, Status: "unreadable", Intervention: "unknown"})
			continue
		}
		ov.Tasks = append(ov.Tasks, TaskLine{
			ID:           id,
			Status:       string(ex.Status),
			Progress:     ex.Progress,
			Intervention: ex.Intervention,
			Batch:        string(ex.Batch),
			Attempts:     ex.AttemptCount,
		})
	}
	return ov, nil
}

func readOptional(path string, v any) error {
	err := jsonfile.Read(path, v)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("read %s: %w", path, err)
}

// Run collects and prints the overview to w.
func Run(ctx context.Context, w io.Writer, paths model.Paths, cfg model.Config, jsonOutput bool) error {
	ov, err := Collect(ctx, paths, cfg)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ov)
	}
	Print(w, ov)
	return nil
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func Print(w io.Writer, ov *Overview) {
	if ov.Daemon.Running {
		okColor.Fprintf(w, "Daemon: running")
		fmt.Fprintf(w, " pid=%d scheduler=%s\n", ov.Daemon.PID, ov.Daemon.Scheduler)
	} else {
		dimColor.Fprintln(w, "Daemon: stopped")
	}

	gate := ov.RateGate
	switch {
	case gate.Paused:
		badColor.Fprintf(w, "Rate gate: paused")
		if gate.RateLimitResetAt > 0 {
			fmt.Fprintf(w, " until %s", time.UnixMilli(gate.RateLimitResetAt).Local().Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	case gate.Warning:
		warnColor.Fprintln(w, "Rate gate: warning")
	default:
		okColor.Fprintln(w, "Rate gate: open")
	}

	if len(ov.Pending) > 0 {
		fmt.Fprintf(w, "Pending: %s\n", strings.Join(ov.Pending, ", "))
	}
	if ov.Signal != nil {
		n := 0
		for _, b := range ov.Signal.Batches {
			n += len(b.TaskIDs)
		}
		warnColor.Fprintf(w, "Signal pending: %d task(s) since %s\n", n, ov.Signal.Timestamp)
	}

	if len(ov.Tasks) == 0 {
		fmt.Fprintln(w, "\nTasks: none")
		return
	}
	fmt.Fprintln(w, "\nTasks:")
	fmt.Fprintf(w, "  %-20s  %-16s  %8s  %-12s  %s\n", "ID", "STATUS", "PROGRESS", "ACTION", "ATTEMPTS")
	for _, t := range ov.Tasks {
		fmt.Fprintf(w, "  %-20s  %-16s  %7d%%  ", t.ID, t.Status, t.Progress.Percent())
		action := t.Batch
		if action == "" {
			action = "-"
		}
		c := okColor
		switch {
		case t.Batch == string(recovery.BatchJSONError), t.Batch == string(recovery.BatchAnalysis):
			c = badColor
		case t.Batch != "":
			c = warnColor
		}
		c.Fprintf(w, "%-12s", action)
		fmt.Fprintf(w, "  %d\n", t.Attempts)
	}
}
