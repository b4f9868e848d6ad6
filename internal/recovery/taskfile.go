package recovery

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
)

const writeRetryMaxElapsed = 5 * time.Second

func newWriteBackOff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = writeRetryMaxElapsed
	return bo
}

// updater performs read-modify-write cycles on task files through the
// per-path lock chain, retrying transient I/O failures.
type updater struct {
	chain      *lock.Chain
	newBackOff func() backoff.BackOff
}

func newUpdater(chain *lock.Chain) *updater {
	if chain == nil {
		chain = lock.NewChain()
	}
	return &updater{chain: chain, newBackOff: newWriteBackOff}
}

// update loads path, lets fn mutate it and writes it back when fn reports a
// change. fn may run more than once if a write is retried. Errors from fn,
// missing files and parse failures are not retried.
func (u *updater) update(ctx context.Context, path string, fn func(tf *model.TaskFile) (bool, error)) error {
	op := func() error {
		return u.chain.WithLock(path, func() error {
			tf, err := task.LoadFile(path)
			if err != nil {
				if isPermanentLoadError(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			changed, err := fn(tf)
			if err != nil {
				return backoff.Permanent(err)
			}
			if !changed {
				return nil
			}
			return jsonfile.AtomicWrite(path, tf)
		})
	}
	return backoff.Retry(op, backoff.WithContext(u.newBackOff(), ctx))
}

func isPermanentLoadError(err error) bool {
	var pe *task.ParseError
	return errors.Is(err, os.ErrNotExist) || errors.As(err, &pe)
}

// RecordAttempt bumps the attempt counter and stamps the attempt time and
// the completed-subtask count in the task's metadata. It never touches
// status, so history survives a failed restart.
func (u *updater) RecordAttempt(ctx context.Context, path string, now time.Time, completed int) error {
	stamp := now.UTC().Format(time.RFC3339)
	return u.update(ctx, path, func(tf *model.TaskFile) (bool, error) {
		tf.Metadata.AttemptCount++
		tf.Metadata.LastAttemptAt = stamp
		tf.Metadata.CompletedAtAttempt = completed
		if tf.Metadata.StuckSince == "" {
			tf.Metadata.StuckSince = stamp
		}
		return true, nil
	})
}

// ResetAttempts ends a recovery incident: the attempt counter, stuck_since
// and the progress mark are cleared. last_attempt_at is kept as history.
func (u *updater) ResetAttempts(ctx context.Context, path string) (bool, error) {
	changed := false
	err := u.update(ctx, path, func(tf *model.TaskFile) (bool, error) {
		md := &tf.Metadata
		changed = md.AttemptCount != 0 || md.StuckSince != "" || md.CompletedAtAttempt != 0
		md.AttemptCount = 0
		md.StuckSince = ""
		md.CompletedAtAttempt = 0
		return changed, nil
	})
	return changed, err
}

// metadataPath is the copy that owns recovery metadata.
func metadataPath(s *task.Snapshot) string {
	if _, err := os.Stat(s.PrimaryPath); err == nil {
		return s.PrimaryPath
	}
	return s.WorktreePath
}
