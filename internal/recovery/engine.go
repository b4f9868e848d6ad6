package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/rdr/internal/events"
	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/ratelimit"
	"github.com/msageha/rdr/internal/task"
)

// LivenessProbe reports whether a task's agent process is running.
type LivenessProbe interface {
	IsAgentAlive(ctx context.Context, id string) (bool, error)
}

// UsageReader returns the latest session usage, or nil when none is known.
type UsageReader interface {
	SessionUsage(ctx context.Context) (*model.Usage, error)
}

type RateGate interface {
	CheckAndGate(usagePercent float64, resetAt time.Time) ratelimit.Decision
	Blocked() bool
}

type SnapshotReader interface {
	Read(ctx context.Context, id string) (*task.Snapshot, error)
}

type Config struct {
	MaxAttempts     int
	Cooldown        time.Duration
	LogExcerptLines int
	SignalPath      string
}

func ConfigFrom(cfg model.RecoveryConfig, signalPath string) Config {
	return Config{
		MaxAttempts:     cfg.MaxAttempts,
		Cooldown:        time.Duration(cfg.CooldownSec) * time.Second,
		LogExcerptLines: cfg.LogExcerptLines,
		SignalPath:      signalPath,
	}
}

type Deps struct {
	Reader    SnapshotReader
	Liveness  LivenessProbe
	Usage     UsageReader
	Gate      RateGate
	Publisher events.Publisher
	Chain     *lock.Chain
	Logger    *logging.Logger
}

const (
	ActionRepaired   = "repaired"
	ActionRestarted  = "restarted"
	ActionUnchanged  = "already_requested"
	ActionHandedOff  = "handed_off"
	ActionEscalated  = "escalated"
	ActionFailed     = "failed"
	ActionRepairSkip = "already_valid"
)

type TaskResult struct {
	ID     string    `json:"id"`
	Batch  BatchType `json:"batch"`
	Action string    `json:"action"`
	Error  string    `json:"error,omitempty"`
}

// CycleReport summarizes one flush.
type CycleReport struct {
	At       time.Time    `json:"at"`
	Blocked  bool         `json:"blocked"`
	Batches  []Batch      `json:"batches,omitempty"`
	Results  []TaskResult `json:"results,omitempty"`
	Signaled bool         `json:"signaled"`
}

// Engine runs recovery cycles: read, classify, categorize, execute.
type Engine struct {
	cfg       Config
	reader    SnapshotReader
	liveness  LivenessProbe
	usage     UsageReader
	gate      RateGate
	pub       events.Publisher
	files     *updater
	repairer  *Repairer
	restarter *Restarter
	handoff   *Handoff
	store     *Store
	now       func() time.Time
	logger    *logging.Logger

	mu   sync.Mutex
	last CycleReport
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Reader == nil {
		return nil, errors.New("recovery engine: reader is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	chain := deps.Chain
	if chain == nil {
		chain = lock.NewChain()
	}

	handoff, err := NewHandoff(cfg.SignalPath, cfg.LogExcerptLines, chain, logger)
	if err != nil {
		return nil, err
	}
	files := newUpdater(chain)
	return &Engine{
		cfg:       cfg,
		reader:    deps.Reader,
		liveness:  deps.Liveness,
		usage:     deps.Usage,
		gate:      deps.Gate,
		pub:       pub,
		files:     files,
		repairer:  NewRepairer(chain, logger),
		restarter: NewRestarter(files, cfg.MaxAttempts, logger),
		handoff:   handoff,
		store:     NewStore(cfg.Cooldown),
		now:       time.Now,
		logger:    logger.Named("recovery"),
	}, nil
}

// ProcessBatch is the scheduler's flush function. Ids come back for
// requeue only when the rate gate blocks the cycle.
func (e *Engine) ProcessBatch(ctx context.Context, ids []string) []string {
	report, requeue := e.RunCycle(ctx, ids)
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	return requeue
}

func (e *Engine) LastReport() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// RunCycle processes ids once. Per-task failures are recorded in the report
// and never stop the remaining tasks.
func (e *Engine) RunCycle(ctx context.Context, ids []string) (CycleReport, []string) {
	report := CycleReport{At: e.now().UTC()}
	if len(ids) == 0 {
		return report, nil
	}

	if e.gateBlocked(ctx) {
		e.logger.Infof("rate gate blocked, deferring tasks=%d", len(ids))
		report.Blocked = true
		return report, append([]string(nil), ids...)
	}

	entries := e.collect(ctx, ids)
	entries = FilterOptOuts(entries)
	byID := make(map[string]Entry, len(entries))
	for _, en := range entries {
		byID[en.Snapshot.ID] = en
		if recovered(en.Snapshot, Classify(en.Snapshot, en.Alive), en.Alive) {
			e.settle(ctx, en.Snapshot)
		}
	}

	report.Batches = Categorize(entries)
	for _, b := range report.Batches {
		e.logger.Infof("batch type=%s tasks=%v", b.Type, b.TaskIDs)
		e.pub.Publish(events.EventBatchReady, map[string]any{
			"batch_type": string(b.Type),
			"task_ids":   b.TaskIDs,
			"count":      len(b.TaskIDs),
		})
	}

	pending := make(map[BatchType][]HandoffTask)
	for _, b := range report.Batches {
		for _, id := range b.TaskIDs {
			en := byID[id]
			res := e.execute(ctx, b.Type, en, pending)
			report.Results = append(report.Results, res)
			e.store.Mark(id, e.now())
			e.publishResult(res)
		}
	}

	if len(pending) > 0 {
		var hb []HandoffBatch
		for _, bt := range batchOrder {
			if tasks := pending[bt]; len(tasks) > 0 {
				hb = append(hb, HandoffBatch{Type: bt, Tasks: tasks})
			}
		}
		sf, err := e.handoff.Write(ctx, hb)
		if err != nil {
			e.logger.Errorf("handoff failed: %v", err)
		}
		report.Signaled = sf != nil
	}
	return report, nil
}

func (e *Engine) gateBlocked(ctx context.Context) bool {
	if e.gate == nil {
		return false
	}
	if e.usage != nil {
		u, err := e.usage.SessionUsage(ctx)
		if err != nil {
			e.logger.Warnf("usage read failed: %v", err)
		}
		if u != nil {
			return e.gate.CheckAndGate(u.Percent, u.ResetAt).Blocked
		}
	}
	return e.gate.Blocked()
}

// collect reads and probes each id. Missing tasks are skipped quietly.
func (e *Engine) collect(ctx context.Context, ids []string) []Entry {
	now := e.now()
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		snap, err := e.reader.Read(ctx, id)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				e.logger.Debugf("task=%s not found, skipping", id)
			} else {
				e.logger.Warnf("task=%s read failed, skipping this cycle: %v", id, err)
			}
			continue
		}
		if !snap.IsCorrupt() && e.store.InCooldown(id, now) {
			e.logger.Debugf("task=%s in cooldown", id)
			continue
		}
		entries = append(entries, Entry{Snapshot: snap, Alive: e.alive(ctx, id)})
	}
	return entries
}

// alive fails safe: a probe error counts as alive.
func (e *Engine) alive(ctx context.Context, id string) bool {
	if e.liveness == nil {
		return false
	}
	ok, err := e.liveness.IsAgentAlive(ctx, id)
	if err != nil {
		e.logger.Warnf("task=%s liveness probe failed, assuming alive: %v", id, err)
		return true
	}
	return ok
}

// Evaluate reads and classifies one task without acting on it.
func (e *Engine) Evaluate(ctx context.Context, id string) (*task.Snapshot, Intervention, string, error) {
	snap, err := e.reader.Read(ctx, id)
	if err != nil {
		return nil, InterventionNone, "", err
	}
	iv, rule := ClassifyRule(snap, e.alive(ctx, id))
	return snap, iv, rule, nil
}

// Explanation is one task's classification together with the facts it
// was derived from.
type Explanation struct {
	ID             string             `json:"id"`
	Status         model.TaskStatus   `json:"status"`
	WorktreeStatus model.TaskStatus   `json:"worktree_status,omitempty"`
	ReviewReason   model.ReviewReason `json:"review_reason,omitempty"`
	ExitReason     model.ExitReason   `json:"exit_reason,omitempty"`
	Progress       model.Progress     `json:"progress"`
	AttemptCount   int                `json:"attempt_count"`
	Alive          bool               `json:"alive"`
	OptedOut       bool               `json:"opted_out"`
	Corrupt        []string           `json:"corrupt,omitempty"`
	Intervention   string             `json:"intervention"`
	Rule           string             `json:"rule"`
	Batch          BatchType          `json:"batch,omitempty"`
}

// Explain classifies id without acting on it.
func (e *Engine) Explain(ctx context.Context, id string) (*Explanation, error) {
	snap, err := e.reader.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	alive := e.alive(ctx, id)
	iv, rule := ClassifyRule(snap, alive)
	ex := &Explanation{
		ID:             snap.ID,
		Status:         snap.Status,
		WorktreeStatus: snap.WorktreeStatus,
		ReviewReason:   snap.ReviewReason,
		ExitReason:     snap.ExitReason,
		Progress:       snap.Progress,
		AttemptCount:   snap.Metadata.AttemptCount,
		Alive:          alive,
		OptedOut:       len(FilterOptOuts([]Entry{{Snapshot: snap}})) == 0,
		Intervention:   iv.String(),
		Rule:           rule,
	}
	for _, pe := range snap.Corrupt {
		ex.Corrupt = append(ex.Corrupt, pe.Error())
	}
	if bt, ok := bucketFor(snap, iv); ok && !ex.OptedOut {
		ex.Batch = bt
	}
	return ex, nil
}

// Observe is NeedsAttention for the watcher and the periodic scan. A task
// that went through recovery and is healthy again also has its incident
// cleared, so the attempt cap counts per incident.
func (e *Engine) Observe(ctx context.Context, id string) bool {
	snap, err := e.reader.Read(ctx, id)
	if err != nil {
		return false
	}
	if len(FilterOptOuts([]Entry{{Snapshot: snap}})) == 0 {
		return false
	}
	alive := e.alive(ctx, id)
	iv := Classify(snap, alive)
	if recovered(snap, iv, alive) {
		e.settle(ctx, snap)
	}
	return snap.IsCorrupt() || iv != InterventionNone
}

// recovered reports whether a task with an open recovery incident is
// healthy again: signed off in review, or running with more completed
// subtasks than at its last attempt. A live agent alone is not enough; a
// task that crashes right after each restart must still reach the cap.
func recovered(s *task.Snapshot, iv Intervention, alive bool) bool {
	md := s.Metadata
	if md.AttemptCount == 0 && md.StuckSince == "" {
		return false
	}
	if iv != InterventionNone || s.IsCorrupt() {
		return false
	}
	switch {
	case s.Status == model.StatusHumanReview:
		return true
	case model.IsActive(s.Status) && alive:
		return s.Progress.Completed > md.CompletedAtAttempt
	}
	return false
}

func (e *Engine) settle(ctx context.Context, s *task.Snapshot) {
	changed, err := e.files.ResetAttempts(ctx, metadataPath(s))
	if err != nil {
		e.logger.Warnf("task=%s reset attempts: %v", s.ID, err)
		return
	}
	e.store.Forget(s.ID)
	if changed {
		e.logger.Infof("task=%s recovered, attempts reset", s.ID)
	}
}

// NeedsAttention reports whether a scan should enqueue the task.
func (e *Engine) NeedsAttention(ctx context.Context, id string) bool {
	snap, iv, _, err := e.Evaluate(ctx, id)
	if err != nil {
		return false
	}
	if len(FilterOptOuts([]Entry{{Snapshot: snap}})) == 0 {
		return false
	}
	return snap.IsCorrupt() || iv != InterventionNone
}

func (e *Engine) execute(ctx context.Context, bt BatchType, en Entry, pending map[BatchType][]HandoffTask) (res TaskResult) {
	s := en.Snapshot
	iv := Classify(s, en.Alive)
	res = TaskResult{ID: s.ID, Batch: bt}

	defer func() {
		if r := recover(); r != nil {
			res.Action = ActionFailed
			res.Error = fmt.Sprint(r)
			e.logger.Errorf("task=%s panic during %s: %v", s.ID, bt, r)
		}
	}()

	escalate := func(note string) {
		pending[BatchAnalysis] = append(pending[BatchAnalysis], HandoffTask{
			Snapshot: s, Intervention: iv, Notes: []string{note},
		})
		res.Action = ActionEscalated
	}

	switch {
	case bt == BatchJSONError:
		action, err := e.repairAll(ctx, s)
		if err != nil {
			escalate(err.Error())
			res.Error = err.Error()
			break
		}
		res.Action = action
		e.recordAttempt(ctx, s)

	case bt == BatchIncomplete:
		flipped, err := e.restarter.Restart(ctx, s, iv)
		switch {
		case errors.Is(err, ErrAttemptsExhausted):
			escalate(err.Error())
		case err != nil:
			res.Action = ActionFailed
			res.Error = err.Error()
			e.logger.Errorf("task=%s restart failed: %v", s.ID, err)
		case flipped:
			res.Action = ActionRestarted
		default:
			res.Action = ActionUnchanged
		}

	case bt.NeedsHandoff():
		pending[bt] = append(pending[bt], HandoffTask{Snapshot: s, Intervention: iv})
		res.Action = ActionHandedOff
		e.recordAttempt(ctx, s)
	}
	return res
}

func (e *Engine) repairAll(ctx context.Context, s *task.Snapshot) (string, error) {
	action := ActionRepairSkip
	for _, pe := range s.Corrupt {
		out, err := e.repairer.Repair(ctx, pe.Path)
		if err != nil {
			return "", err
		}
		if !out.Skipped {
			action = ActionRepaired
		}
	}
	return action, nil
}

func (e *Engine) recordAttempt(ctx context.Context, s *task.Snapshot) {
	if err := e.files.RecordAttempt(ctx, metadataPath(s), e.now(), s.Progress.Completed); err != nil {
		e.logger.Warnf("task=%s record attempt: %v", s.ID, err)
	}
}

func (e *Engine) publishResult(res TaskResult) {
	data := map[string]any{
		"task_id":    res.ID,
		"batch_type": string(res.Batch),
		"action":     res.Action,
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	e.pub.Publish(events.EventTaskProcessed, data)
}
