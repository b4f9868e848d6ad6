package model

// SignalFile is the handoff artifact read (and deleted) by the external
// analysis session. Field names follow the external consumer's camelCase.
type SignalFile struct {
	Timestamp string        `json:"timestamp"`
	Batches   []SignalBatch `json:"batches"`
	Prompt    string        `json:"prompt"`
}

type SignalBatch struct {
	Type    string       `json:"type"`
	TaskIDs []string     `json:"taskIds"`
	Tasks   []SignalTask `json:"tasks"`
}

type SignalTask struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	Progress     int      `json:"progress"`
	Intervention string   `json:"intervention,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	RecentLogs   []string `json:"recentLogs,omitempty"`
}
