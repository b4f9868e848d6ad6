package model

import (
	"encoding/json"
	"time"
)

// TaskFile is the on-disk task state written by the agent runtime (status,
// phases) and by rdr (metadata, feedback). Fields this package does not know
// about are kept in extra and written back untouched.
type TaskFile struct {
	ID           string       `json:"id"`
	Status       TaskStatus   `json:"status"`
	PlanStatus   PlanStatus   `json:"plan_status,omitempty"`
	ReviewReason ReviewReason `json:"review_reason,omitempty"`
	ExitReason   ExitReason   `json:"exit_reason,omitempty"`
	QASignoff    *QASignoff   `json:"qa_signoff,omitempty"`
	Phases       []Phase      `json:"phases"`
	Errors       []string     `json:"errors,omitempty"`
	Feedback     []Feedback   `json:"feedback,omitempty"`
	Metadata     TaskMetadata `json:"metadata"`
	UpdatedAt    string       `json:"updated_at,omitempty"`

	extra map[string]json.RawMessage
}

type QASignoff struct {
	Status SignoffStatus `json:"status"`
	At     string        `json:"at,omitempty"`
}

type Phase struct {
	Name     string    `json:"name"`
	Subtasks []Subtask `json:"subtasks"`
}

type Subtask struct {
	ID          string        `json:"id"`
	Status      SubtaskStatus `json:"status"`
	Description string        `json:"description,omitempty"`
}

type Feedback struct {
	At     string `json:"at"`
	Source string `json:"source"`
	Note   string `json:"note"`
}

// TaskMetadata is owned by the recovery engine; the agent runtime never
// writes it, so the primary copy is always authoritative.
type TaskMetadata struct {
	StuckSince    string `json:"stuck_since,omitempty"`
	AttemptCount  int    `json:"attempt_count,omitempty"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
	// CompletedAtAttempt is the completed-subtask count seen at the last
	// attempt; progress beyond it ends the incident.
	CompletedAtAttempt int    `json:"completed_at_attempt,omitempty"`
	ForceRecovery      bool   `json:"force_recovery,omitempty"`
	RecoveryDisabled   bool   `json:"recovery_disabled,omitempty"`
	ArchivedAt         string `json:"archived_at,omitempty"`
}

// Progress is the flattened (completed, total) count over all subtasks.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent returns the integer completion percentage; an empty plan is 0%.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return p.Completed * 100 / p.Total
}

func (p Progress) IsComplete() bool {
	return p.Total > 0 && p.Completed >= p.Total
}

// ComputeProgress walks the full phase tree. Cached counters are never trusted.
func ComputeProgress(phases []Phase) Progress {
	var p Progress
	for _, ph := range phases {
		for _, st := range ph.Subtasks {
			p.Total++
			if st.Status == SubtaskCompleted {
				p.Completed++
			}
		}
	}
	return p
}

// RemainingSubtasks lists subtasks that are not completed, in plan order.
func RemainingSubtasks(phases []Phase) []Subtask {
	var out []Subtask
	for _, ph := range phases {
		for _, st := range ph.Subtasks {
			if st.Status != SubtaskCompleted {
				out = append(out, st)
			}
		}
	}
	return out
}

func (t *TaskFile) Progress() Progress {
	return ComputeProgress(t.Phases)
}

// Touch stamps UpdatedAt.
func (t *TaskFile) Touch(now time.Time) {
	t.UpdatedAt = now.UTC().Format(time.RFC3339)
}

type taskFileAlias TaskFile

func (t *TaskFile) UnmarshalJSON(data []byte) error {
	var alias taskFileAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range taskFileKeys {
		delete(raw, k)
	}
	*t = TaskFile(alias)
	if len(raw) > 0 {
		t.extra = raw
	}
	return nil
}

func (t TaskFile) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(taskFileAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(t.extra)+len(taskFileKeys))
	for k, v := range t.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

var taskFileKeys = []string{
	"id", "status", "plan_status", "review_reason", "exit_reason", "qa_signoff",
	"phases", "errors", "feedback", "metadata", "updated_at",
}
