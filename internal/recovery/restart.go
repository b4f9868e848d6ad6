package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
)

// ErrAttemptsExhausted means the task hit recovery.max_attempts and must be
// escalated instead of restarted again.
var ErrAttemptsExhausted = errors.New("recovery attempts exhausted")

const (
	feedbackSource   = "rdr"
	recoveryNoteName = "RECOVERY_NOTE.md"
)

// Restarter hands a task back to the agent runtime by flipping its status to
// start-requested. It is the only executor that changes status.
type Restarter struct {
	files       *updater
	maxAttempts int
	now         func() time.Time
	logger      *logging.Logger
}

func NewRestarter(files *updater, maxAttempts int, logger *logging.Logger) *Restarter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Restarter{
		files:       files,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      logger.Named("restart"),
	}
}

// Restart records the attempt, writes the feedback note and flips both
// copies to start-requested. A task already waiting in start-requested is
// left alone and flipped=false is returned.
func (r *Restarter) Restart(ctx context.Context, s *task.Snapshot, iv Intervention) (flipped bool, err error) {
	if r.maxAttempts > 0 && s.Metadata.AttemptCount >= r.maxAttempts {
		return false, fmt.Errorf("task %s attempts=%d: %w", s.ID, s.Metadata.AttemptCount, ErrAttemptsExhausted)
	}
	if err := r.files.RecordAttempt(ctx, metadataPath(s), r.now(), s.Progress.Completed); err != nil {
		r.logger.Warnf("task=%s record attempt: %v", s.ID, err)
	}
	if s.Status == model.StatusStartRequested {
		r.logger.Debugf("task=%s already start-requested", s.ID)
		return false, nil
	}

	note := FeedbackNote(s, iv)
	if err := r.writeRecoveryNote(filepath.Dir(s.PrimaryPath), note); err != nil {
		r.logger.Warnf("task=%s recovery note: %v", s.ID, err)
	}

	stamp := r.now().UTC()
	for _, path := range []string{s.PrimaryPath, s.WorktreePath} {
		changed, err := r.flip(ctx, path, note, stamp)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return flipped, fmt.Errorf("flip %s: %w", path, err)
		}
		flipped = flipped || changed
	}
	if flipped {
		r.logger.Infof("task=%s status=%s -> %s", s.ID, s.Status, model.StatusStartRequested)
	}
	return flipped, nil
}

func (r *Restarter) flip(ctx context.Context, path, note string, now time.Time) (bool, error) {
	changed := false
	err := r.files.update(ctx, path, func(tf *model.TaskFile) (bool, error) {
		changed = false
		if tf.Status == model.StatusStartRequested || model.IsTerminal(tf.Status) {
			return false, nil
		}
		tf.Feedback = append(tf.Feedback, model.Feedback{
			At:     now.Format(time.RFC3339),
			Source: feedbackSource,
			Note:   note,
		})
		tf.Status = model.StatusStartRequested
		tf.Touch(now)
		changed = true
		return true, nil
	})
	return changed, err
}

// FeedbackNote summarizes why the task is restarted and what is left to do.
func FeedbackNote(s *task.Snapshot, iv Intervention) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Restarted by rdr (%s) from status %s at %d%% (%d/%d subtasks).",
		iv, displayStatus(s.Status), s.Progress.Percent(), s.Progress.Completed, s.Progress.Total)
	if s.ExitReason != "" {
		fmt.Fprintf(&b, " Previous exit: %s.", s.ExitReason)
	}
	remaining := model.RemainingSubtasks(s.Phases)
	if len(remaining) == 0 {
		b.WriteString(" No subtasks remain; verify the work and finish the review.")
		return b.String()
	}
	b.WriteString(" Remaining work:")
	for _, st := range remaining {
		desc := st.Description
		if desc == "" {
			desc = string(st.Status)
		}
		fmt.Fprintf(&b, "\n- %s: %s", st.ID, desc)
	}
	return b.String()
}

func displayStatus(s model.TaskStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

// writeRecoveryNote replaces RECOVERY_NOTE.md in the task's spec dir.
func (r *Restarter) writeRecoveryNote(specDir, note string) error {
	path := filepath.Join(specDir, recoveryNoteName)
	content := "# Recovery note\n\n" + note + "\n"
	return r.files.chain.WithLock(path, func() error {
		return jsonfile.AtomicWriteText(path, []byte(content))
	})
}
