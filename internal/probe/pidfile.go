// Package probe implements the liveness and usage collaborators the
// recovery engine consumes: a pid-file agent liveness check and a reader
// for the usage monitor's quota file.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const PIDFileName = "agent.pid"

// PIDFile reports an agent alive when <specDir>/agent.pid names a running
// process. A missing pid file means no agent.
type PIDFile struct {
	specDir func(id string) string
	signal  func(pid int) error
}

func NewPIDFile(specDir func(id string) string) *PIDFile {
	return &PIDFile{
		specDir: specDir,
		signal:  func(pid int) error { return unix.Kill(pid, 0) },
	}
}

func (p *PIDFile) IsAgentAlive(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(filepath.Join(p.specDir(id), PIDFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, fmt.Errorf("invalid pid file for %s: %q", id, strings.TrimSpace(string(data)))
	}

	switch err := p.signal(pid); {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		// Exists but owned by another user.
		return true, nil
	default:
		return false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
}
