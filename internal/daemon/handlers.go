package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/ratelimit"
	"github.com/msageha/rdr/internal/recovery"
	"github.com/msageha/rdr/internal/task"
	"github.com/msageha/rdr/internal/uds"
)

// Control socket payloads. The CLI decodes the same types.

type EnqueueParams struct {
	TaskIDs []string `json:"task_ids"`
}

type EnqueueResult struct {
	Pending []string `json:"pending"`
}

type ScanParams struct {
	Now bool `json:"now"`
}

type ScanResult struct {
	Enqueued int      `json:"enqueued"`
	Pending  []string `json:"pending"`
}

type SessionStateParams struct {
	State string `json:"state"` // "busy" or "idle"
}

type RateLimitClearParams struct {
	Reason string `json:"reason,omitempty"`
}

type RateLimitClearResult struct {
	Cleared bool                `json:"cleared"`
	State   model.RateGateState `json:"state"`
}

type UsageParams struct {
	Percent float64   `json:"percent"`
	ResetAt time.Time `json:"reset_at"`
}

type UsageResult struct {
	Blocked bool                `json:"blocked"`
	Warning bool                `json:"warning"`
	State   model.RateGateState `json:"state"`
}

type ClassifyParams struct {
	TaskID string `json:"task_id"`
}

type SchedulerStatus struct {
	State   string   `json:"state"`
	Pending []string `json:"pending"`
	Flushes int      `json:"flushes"`
}

type StatusReport struct {
	PID       int                  `json:"pid"`
	StartedAt time.Time            `json:"started_at"`
	Project   string               `json:"project"`
	Scheduler SchedulerStatus      `json:"scheduler"`
	RateGate  model.RateGateState  `json:"rate_gate"`
	LastCycle recovery.CycleReport `json:"last_cycle"`
	// Signal is the handoff file still waiting for the analysis session.
	Signal *model.SignalFile `json:"signal,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdEnqueue, d.handleEnqueue)
	d.server.Handle(uds.CmdScan, d.handleScan)
	d.server.Handle(uds.CmdSessionState, d.handleSessionState)
	d.server.Handle(uds.CmdRateLimitClear, d.handleRateLimitClear)
	d.server.Handle(uds.CmdUsage, d.handleUsage)
	d.server.Handle(uds.CmdClassify, d.handleClassify)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via control socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) Status() StatusReport {
	rep := StatusReport{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Project:   d.paths.ProjectRoot,
		Scheduler: SchedulerStatus{
			State:   d.sched.State().String(),
			Pending: d.sched.Pending(),
			Flushes: d.sched.Flushes(),
		},
		RateGate:  d.gate.State(),
		LastCycle: d.engine.LastReport(),
	}
	var sf model.SignalFile
	if err := jsonfile.Read(d.paths.SignalPath, &sf); err == nil {
		rep.Signal = &sf
	} else if !errors.Is(err, os.ErrNotExist) {
		d.logger.Warnf("status: read signal file: %v", err)
	}
	return rep
}

func (d *Daemon) handleStatus(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.Status())
}

func (d *Daemon) handleEnqueue(_ context.Context, req *uds.Request) *uds.Response {
	var p EnqueueParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if len(p.TaskIDs) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_ids is required")
	}
	d.sched.Enqueue(p.TaskIDs...)
	d.logger.Infof("enqueue via control socket tasks=%v", p.TaskIDs)
	return uds.SuccessResponse(EnqueueResult{Pending: d.sched.Pending()})
}

func (d *Daemon) handleScan(ctx context.Context, req *uds.Request) *uds.Response {
	var p ScanParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	n := d.Scan(ctx)
	if p.Now {
		d.sched.Kick()
	}
	return uds.SuccessResponse(ScanResult{Enqueued: n, Pending: d.sched.Pending()})
}

func (d *Daemon) handleSessionState(_ context.Context, req *uds.Request) *uds.Response {
	var p SessionStateParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	switch p.State {
	case "busy":
		d.busy.ReportSession(true)
	case "idle":
		d.busy.ReportSession(false)
	default:
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("state must be busy or idle, got %q", p.State))
	}
	return uds.SuccessResponse(map[string]string{"state": p.State})
}

func (d *Daemon) handleRateLimitClear(_ context.Context, req *uds.Request) *uds.Response {
	var p RateLimitClearParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Reason == "" {
		p.Reason = ratelimit.ReasonManual
	}
	cleared := d.gate.Resume(p.Reason)
	return uds.SuccessResponse(RateLimitClearResult{Cleared: cleared, State: d.gate.State()})
}

// handleUsage records a reading pushed by the usage monitor and feeds it to
// the gate right away, so a pause takes effect before the next flush.
func (d *Daemon) handleUsage(_ context.Context, req *uds.Request) *uds.Response {
	var p UsageParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Percent < 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "percent must not be negative")
	}
	u := model.Usage{Percent: p.Percent, ResetAt: p.ResetAt}
	if err := d.usage.Write(u); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	dec := d.gate.CheckAndGate(u.Percent, u.ResetAt)
	return uds.SuccessResponse(UsageResult{Blocked: dec.Blocked, Warning: dec.Warning, State: d.gate.State()})
}

func (d *Daemon) handleClassify(ctx context.Context, req *uds.Request) *uds.Response {
	var p ClassifyParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id is required")
	}
	ex, err := d.engine.Explain(ctx, p.TaskID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(ex)
}
