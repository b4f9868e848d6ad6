package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
)

// ErrUnfixable marks a task file that neither textual repair nor its backup
// could restore. The file is left untouched.
var ErrUnfixable = errors.New("task file unfixable")

type RepairOutcome struct {
	Path     string
	Fixes    []string
	Restored bool // content came from the .bak copy
	Skipped  bool // file was already valid
}

// Repairer fixes malformed task files in place.
type Repairer struct {
	chain  *lock.Chain
	logger *logging.Logger
}

func NewRepairer(chain *lock.Chain, logger *logging.Logger) *Repairer {
	if chain == nil {
		chain = lock.NewChain()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Repairer{chain: chain, logger: logger.Named("repair")}
}

// Repair re-parses path and, when that fails, applies textual repairs and
// then falls back to the .bak copy. On success the file is overwritten
// atomically; on failure it is left as is and ErrUnfixable is returned.
func (r *Repairer) Repair(ctx context.Context, path string) (RepairOutcome, error) {
	out := RepairOutcome{Path: path}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	err := r.chain.WithLock(path, func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if decodesAsTask(raw) {
			out.Skipped = true
			return nil
		}

		content, fixes, err := r.repairContent(path, raw)
		if err != nil {
			return err
		}
		out.Fixes = fixes
		out.Restored = containsFix(fixes, jsonfile.FixRestoredBackup)
		return jsonfile.AtomicWriteRaw(path, content)
	})
	if err != nil {
		r.logger.Warnf("path=%s unfixable: %v", path, err)
		return out, err
	}
	if !out.Skipped {
		r.logger.Infof("path=%s repaired fixes=%v", path, out.Fixes)
	}
	return out, nil
}

func (r *Repairer) repairContent(path string, raw []byte) ([]byte, []string, error) {
	res, err := jsonfile.Repair(raw)
	if err == nil && decodesAsTask(res.Content) {
		return res.Content, res.Fixes, nil
	}
	if err == nil {
		err = errors.New("repaired content is not a task document")
	}

	bak, bakErr := jsonfile.ReadBackup(path)
	if bakErr == nil && decodesAsTask(bak) {
		return bak, []string{jsonfile.FixRestoredBackup}, nil
	}
	r.logger.Debugf("path=%s backup unusable: %v", path, bakErr)
	return nil, res.Fixes, fmt.Errorf("%s: %v: %w", path, err, ErrUnfixable)
}

func decodesAsTask(content []byte) bool {
	var tf model.TaskFile
	return json.Unmarshal(content, &tf) == nil
}

func containsFix(fixes []string, fix string) bool {
	for _, f := range fixes {
		if f == fix {
			return true
		}
	}
	return false
}
