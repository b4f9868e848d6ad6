package model

type TaskStatus string

const (
	StatusBacklog        TaskStatus = "backlog"
	StatusQueued         TaskStatus = "queued"
	StatusPlanningReview TaskStatus = "planning-review"
	StatusInProgress     TaskStatus = "in-progress"
	StatusAIReview       TaskStatus = "ai-review"
	StatusHumanReview    TaskStatus = "human-review"
	StatusStartRequested TaskStatus = "start-requested"
	StatusDone           TaskStatus = "done"
	StatusClosed         TaskStatus = "closed"
)

type ReviewReason string

const (
	ReviewStopped        ReviewReason = "stopped"
	ReviewErrors         ReviewReason = "errors"
	ReviewQARejected     ReviewReason = "qa-rejected"
	ReviewPlanReview     ReviewReason = "plan-review"
	ReviewCompleted      ReviewReason = "completed"
	ReviewIncompleteWork ReviewReason = "incomplete-work"
	ReviewRateLimitReset ReviewReason = "rate-limit-reset"
)

type ExitReason string

const (
	ExitError          ExitReason = "error"
	ExitAuthFailure    ExitReason = "auth-failure"
	ExitRateLimitCrash ExitReason = "rate-limit-crash"
	ExitPromptLoop     ExitReason = "prompt-loop"
)

type SignoffStatus string

const (
	SignoffApproved SignoffStatus = "approved"
	SignoffRejected SignoffStatus = "rejected"
)

type PlanStatus string

const (
	PlanStatusPending  PlanStatus = "pending"
	PlanStatusDraft    PlanStatus = "draft"
	PlanStatusApproved PlanStatus = "approved"
)

type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in-progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

var terminalStatuses = map[TaskStatus]bool{
	StatusDone:   true,
	StatusClosed: true,
}

// Statuses in which an agent process is expected to be running.
var activeStatuses = map[TaskStatus]bool{
	StatusInProgress: true,
	StatusAIReview:   true,
}

// Statuses a task sits in before any agent has picked it up.
var queueStatuses = map[TaskStatus]bool{
	StatusBacklog:        true,
	StatusQueued:         true,
	StatusPlanningReview: true,
}

// Worktree statuses that count as settled when the primary waits in human review.
var settledWorktreeStatuses = map[TaskStatus]bool{
	StatusHumanReview: true,
	StatusDone:        true,
	StatusClosed:      true,
}

func IsTerminal(s TaskStatus) bool {
	return terminalStatuses[s]
}

func IsActive(s TaskStatus) bool {
	return activeStatuses[s]
}

func IsQueueLike(s TaskStatus) bool {
	return queueStatuses[s]
}

func IsSettledWorktree(s TaskStatus) bool {
	return settledWorktreeStatuses[s]
}

// NeverExecuted reports whether a plan status carries no evidence of a run.
func (p PlanStatus) NeverExecuted() bool {
	return p == "" || p == PlanStatusPending || p == PlanStatusDraft
}
