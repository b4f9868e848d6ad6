package recovery

import (
	"sort"

	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
)

type BatchType string

const (
	BatchJSONError  BatchType = "json-error"
	BatchIncomplete BatchType = "incomplete"
	BatchRecovery   BatchType = "recovery"
	BatchQARejected BatchType = "qa-rejected"
	BatchErrors     BatchType = "errors"
	BatchAnalysis   BatchType = "analysis"
)

// batchOrder is the priority order batches are emitted and executed in.
var batchOrder = []BatchType{
	BatchJSONError,
	BatchIncomplete,
	BatchRecovery,
	BatchQARejected,
	BatchErrors,
	BatchAnalysis,
}

// NeedsHandoff reports whether the batch is resolved by the external
// analysis session rather than locally.
func (b BatchType) NeedsHandoff() bool {
	switch b {
	case BatchRecovery, BatchQARejected, BatchErrors, BatchAnalysis:
		return true
	}
	return false
}

type Batch struct {
	Type    BatchType `json:"type"`
	TaskIDs []string  `json:"taskIds"`
}

// Entry pairs a snapshot with the liveness probe result for its agent.
type Entry struct {
	Snapshot *task.Snapshot
	Alive    bool
}

// FilterOptOuts drops archived tasks and tasks with recovery disabled.
func FilterOptOuts(entries []Entry) []Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Snapshot == nil {
			continue
		}
		md := e.Snapshot.Metadata
		if md.ArchivedAt != "" || md.RecoveryDisabled {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Categorize assigns every unhealthy entry to exactly one batch. Corrupt
// snapshots always go to json-error, even when the readable copy looks
// healthy.
func Categorize(entries []Entry) []Batch {
	buckets := make(map[BatchType][]string)
	seen := make(map[string]bool)

	for _, e := range entries {
		s := e.Snapshot
		if s == nil || seen[s.ID] {
			continue
		}
		bt, ok := bucketFor(s, Classify(s, e.Alive))
		if !ok {
			continue
		}
		seen[s.ID] = true
		buckets[bt] = append(buckets[bt], s.ID)
	}

	var batches []Batch
	for _, bt := range batchOrder {
		ids := buckets[bt]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		batches = append(batches, Batch{Type: bt, TaskIDs: ids})
	}
	return batches
}

func bucketFor(s *task.Snapshot, iv Intervention) (BatchType, bool) {
	if s.IsCorrupt() {
		return BatchJSONError, true
	}
	if iv == InterventionNone {
		return "", false
	}
	active := model.IsActive(s.Status)

	switch {
	case (iv == InterventionIncomplete || iv == InterventionResume) && !active:
		return BatchIncomplete, true
	case iv == InterventionIncomplete && active:
		return BatchRecovery, true
	case s.ReviewReason == model.ReviewQARejected:
		return BatchQARejected, true
	case s.ReviewReason == model.ReviewErrors,
		s.ExitReason == model.ExitError,
		s.ExitReason == model.ExitAuthFailure:
		return BatchErrors, true
	default:
		return BatchAnalysis, true
	}
}
