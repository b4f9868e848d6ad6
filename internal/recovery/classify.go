// Package recovery classifies task health, groups unhealthy tasks into typed
// batches and runs the recovery executors for each batch.
package recovery

import (
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
)

// Intervention is the kind of recovery a task needs. The zero value means
// the task is healthy or legitimately waiting.
type Intervention string

const (
	InterventionNone       Intervention = ""
	InterventionRecovery   Intervention = "recovery"
	InterventionResume     Intervention = "resume"
	InterventionStuck      Intervention = "stuck"
	InterventionIncomplete Intervention = "incomplete"
)

func (i Intervention) String() string {
	if i == InterventionNone {
		return "none"
	}
	return string(i)
}

// guard inspects one aspect of a snapshot. matched=false passes the snapshot
// on to the next guard.
type guard func(s *task.Snapshot, alive bool) (out Intervention, matched bool)

type rule struct {
	name string
	fn   guard
}

// rules is evaluated top to bottom; the first match decides.
var rules = []rule{
	{"terminal", terminalGuard},
	{"force_recovery", forceRecoveryGuard},
	{"queue", queueGuard},
	{"human_review", humanReviewGuard},
	{"active", activeGuard},
	{"errored", erroredGuard},
	{"resumable", resumableGuard},
	{"start_requested", startRequestedGuard},
	{"empty_plan", emptyPlanGuard},
	{"fallback", fallbackGuard},
}

// Classify maps a snapshot and the agent's liveness to an intervention.
// It is pure and total.
func Classify(s *task.Snapshot, alive bool) Intervention {
	out, _ := ClassifyRule(s, alive)
	return out
}

// ClassifyRule also returns the name of the rule that decided.
func ClassifyRule(s *task.Snapshot, alive bool) (Intervention, string) {
	if s == nil {
		return InterventionNone, "nil"
	}
	for _, r := range rules {
		if out, ok := r.fn(s, alive); ok {
			return out, r.name
		}
	}
	return InterventionNone, "fallback"
}

func terminalGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	if model.IsTerminal(s.Status) {
		return InterventionNone, true
	}
	return InterventionNone, false
}

// forceRecoveryGuard is the manual override used by debug triggers.
func forceRecoveryGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	if s.Metadata.ForceRecovery {
		return InterventionStuck, true
	}
	return InterventionNone, false
}

// queueGuard separates never-started tasks from ones that regressed back
// into the queue after running.
func queueGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	if !model.IsQueueLike(s.Status) {
		return InterventionNone, false
	}
	if s.HasWorktree || hasRunEvidence(s) {
		return InterventionIncomplete, true
	}
	return InterventionNone, true
}

func hasRunEvidence(s *task.Snapshot) bool {
	return s.ExitReason != "" || !s.PlanStatus.NeverExecuted() || s.HasCompletedWork()
}

// humanReviewGuard exempts a fully complete, signed-off task. A QA signoff
// is final even if the process crashed after writing it.
func humanReviewGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	if s.Status != model.StatusHumanReview {
		return InterventionNone, false
	}
	complete := s.Progress.IsComplete()
	signed := isApproved(s) || s.ReviewReason == model.ReviewCompleted

	switch {
	case complete && signed && worktreeSettled(s):
		return InterventionNone, true
	case complete && !signed:
		return InterventionStuck, true
	case !complete && s.ReviewReason == model.ReviewPlanReview:
		return InterventionIncomplete, true
	default:
		return InterventionStuck, true
	}
}

func isApproved(s *task.Snapshot) bool {
	return s.QASignoff != nil && s.QASignoff.Status == model.SignoffApproved
}

func worktreeSettled(s *task.Snapshot) bool {
	return !s.HasWorktree || model.IsSettledWorktree(s.WorktreeStatus)
}

// activeGuard trusts a live agent. A dead agent on an active board is
// incomplete; an exit reason from an earlier session is stale here.
func activeGuard(s *task.Snapshot, alive bool) (Intervention, bool) {
	if !model.IsActive(s.Status) {
		return InterventionNone, false
	}
	if alive {
		return InterventionNone, true
	}
	return InterventionIncomplete, true
}

func erroredGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	switch {
	case s.ExitReason == model.ExitError, s.ExitReason == model.ExitAuthFailure:
		return InterventionRecovery, true
	case s.ReviewReason == model.ReviewErrors, s.ReviewReason == model.ReviewQARejected:
		return InterventionRecovery, true
	}
	return InterventionNone, false
}

func resumableGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	switch {
	case s.ExitReason == model.ExitRateLimitCrash, s.ExitReason == model.ExitPromptLoop:
		return InterventionResume, true
	case s.ReviewReason == model.ReviewIncompleteWork:
		return InterventionResume, true
	}
	return InterventionNone, false
}

// startRequestedGuard catches a restart flag nobody picked up.
func startRequestedGuard(s *task.Snapshot, alive bool) (Intervention, bool) {
	if s.Status != model.StatusStartRequested {
		return InterventionNone, false
	}
	if alive {
		return InterventionNone, true
	}
	return InterventionIncomplete, true
}

func emptyPlanGuard(s *task.Snapshot, _ bool) (Intervention, bool) {
	if len(s.Phases) == 0 {
		return InterventionRecovery, true
	}
	return InterventionNone, false
}

func fallbackGuard(s *task.Snapshot, alive bool) (Intervention, bool) {
	if !alive && s.HasCompletedWork() {
		return InterventionIncomplete, true
	}
	return InterventionNone, true
}
