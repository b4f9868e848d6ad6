package busy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Verdict is one source's opinion of the external session.
type Verdict int

const (
	// VerdictUnknown means the source has no current information.
	VerdictUnknown Verdict = iota
	VerdictIdle
	VerdictBusy
)

func (v Verdict) String() string {
	switch v {
	case VerdictIdle:
		return "idle"
	case VerdictBusy:
		return "busy"
	default:
		return "unknown"
	}
}

type Source interface {
	Name() string
	Check(ctx context.Context) (Verdict, error)
}

// ConnectionSource holds the state the session last reported over the
// control socket. A report older than ttl is treated as unknown.
type ConnectionSource struct {
	mu         sync.Mutex
	busy       bool
	reportedAt time.Time
	ttl        time.Duration
	now        func() time.Time
}

func NewConnectionSource(ttl time.Duration) *ConnectionSource {
	return &ConnectionSource{ttl: ttl, now: time.Now}
}

func (c *ConnectionSource) Name() string { return "connection" }

// Report records a state change and returns the previous verdict.
func (c *ConnectionSource) Report(busy bool) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.verdictLocked()
	c.busy = busy
	c.reportedAt = c.now()
	return prev
}

func (c *ConnectionSource) Check(ctx context.Context) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return VerdictUnknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdictLocked(), nil
}

func (c *ConnectionSource) verdictLocked() Verdict {
	if c.reportedAt.IsZero() {
		return VerdictUnknown
	}
	if c.ttl > 0 && c.now().Sub(c.reportedAt) > c.ttl {
		return VerdictUnknown
	}
	if c.busy {
		return VerdictBusy
	}
	return VerdictIdle
}

const tailLines = 5

// LogSource scans the session's output log. A log written within the stale
// window, or whose tail changed since the previous check, is busy. A quiet
// tail matching the busy pattern is also busy.
type LogSource struct {
	path  string
	re    *regexp.Regexp
	stale time.Duration
	now   func() time.Time

	mu       sync.Mutex
	lastHash string
}

func NewLogSource(path, busyPatterns string, stale time.Duration) (*LogSource, error) {
	var re *regexp.Regexp
	if busyPatterns != "" {
		var err error
		re, err = regexp.Compile(busyPatterns)
		if err != nil {
			return nil, fmt.Errorf("compile busy_patterns %q: %w", busyPatterns, err)
		}
	}
	return &LogSource{path: path, re: re, stale: stale, now: time.Now}, nil
}

func (l *LogSource) Name() string { return "log" }

func (l *LogSource) Check(ctx context.Context) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return VerdictUnknown, err
	}
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerdictUnknown, nil
		}
		return VerdictUnknown, fmt.Errorf("stat session log: %w", err)
	}
	tail, err := readTail(l.path, tailLines)
	if err != nil {
		return VerdictUnknown, fmt.Errorf("read session log: %w", err)
	}
	hash := contentHash(tail)

	l.mu.Lock()
	changed := l.lastHash != "" && l.lastHash != hash
	l.lastHash = hash
	l.mu.Unlock()

	switch {
	case l.now().Sub(info.ModTime()) < l.stale:
		return VerdictBusy, nil
	case changed:
		return VerdictBusy, nil
	case l.re != nil && l.re.MatchString(tail):
		return VerdictBusy, nil
	default:
		return VerdictIdle, nil
	}
}

func readTail(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	lines := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, sc.Text())
	}
	return strings.Join(lines, "\n"), sc.Err()
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
