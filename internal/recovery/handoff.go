package recovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/msageha/rdr/internal/jsonfile"
	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/task"
	"github.com/msageha/rdr/templates"
)

const agentLogName = "agent.log"

// guidance is rendered next to each batch heading in the prompt.
var guidance = map[string]string{
	string(BatchRecovery):   "the agent died on an active board; inspect its last session before restarting",
	string(BatchQARejected): "QA rejected the work; address the review findings",
	string(BatchErrors):     "the agent exited with errors; fix the root cause",
	string(BatchAnalysis):   "state did not match any automatic recovery; diagnose manually",
}

// Handoff writes the signal file read by the external analysis session.
// At most one signal is pending: each write replaces the previous file.
type Handoff struct {
	signalPath string
	logLines   int
	chain      *lock.Chain
	tmpl       *template.Template
	now        func() time.Time
	logger     *logging.Logger
}

func NewHandoff(signalPath string, logLines int, chain *lock.Chain, logger *logging.Logger) (*Handoff, error) {
	tmpl, err := template.ParseFS(templates.FS, "handoff_prompt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse handoff prompt: %w", err)
	}
	if chain == nil {
		chain = lock.NewChain()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handoff{
		signalPath: signalPath,
		logLines:   logLines,
		chain:      chain,
		tmpl:       tmpl,
		now:        time.Now,
		logger:     logger.Named("handoff"),
	}, nil
}

func (h *Handoff) SignalPath() string {
	return h.signalPath
}

// HandoffTask is one task going into the signal file.
type HandoffTask struct {
	Snapshot     *task.Snapshot
	Intervention Intervention
	// Extra error lines not recorded in the task file, e.g. a repair failure.
	Notes []string
}

type HandoffBatch struct {
	Type  BatchType
	Tasks []HandoffTask
}

// Write serializes batches into the signal file. Empty input writes nothing.
func (h *Handoff) Write(ctx context.Context, batches []HandoffBatch) (*model.SignalFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sf := &model.SignalFile{Timestamp: h.now().UTC().Format(time.RFC3339)}
	count := 0
	for _, b := range batches {
		if len(b.Tasks) == 0 {
			continue
		}
		sb := model.SignalBatch{Type: string(b.Type)}
		for _, t := range b.Tasks {
			sb.TaskIDs = append(sb.TaskIDs, t.Snapshot.ID)
			sb.Tasks = append(sb.Tasks, h.signalTask(t))
		}
		sf.Batches = append(sf.Batches, sb)
		count += len(b.Tasks)
	}
	if count == 0 {
		return nil, nil
	}

	prompt, err := h.renderPrompt(sf, count)
	if err != nil {
		return nil, err
	}
	sf.Prompt = prompt

	if err := h.chain.WithLock(h.signalPath, func() error {
		return jsonfile.AtomicWrite(h.signalPath, sf)
	}); err != nil {
		return nil, fmt.Errorf("write signal file: %w", err)
	}
	h.logger.Infof("signal written path=%s batches=%d tasks=%d", h.signalPath, len(sf.Batches), count)
	return sf, nil
}

func (h *Handoff) signalTask(t HandoffTask) model.SignalTask {
	s := t.Snapshot
	st := model.SignalTask{
		ID:           s.ID,
		Status:       string(s.Status),
		Progress:     s.Progress.Percent(),
		Intervention: string(t.Intervention),
	}
	st.Errors = append(st.Errors, s.Errors...)
	for _, c := range s.Corrupt {
		st.Errors = append(st.Errors, c.Error())
	}
	st.Errors = append(st.Errors, t.Notes...)

	logs, err := tailLines(filepath.Join(filepath.Dir(s.PrimaryPath), agentLogName), h.logLines)
	if err != nil && !os.IsNotExist(err) {
		h.logger.Debugf("task=%s read agent log: %v", s.ID, err)
	}
	st.RecentLogs = logs
	return st
}

type promptData struct {
	Timestamp string
	TaskCount int
	Batches   []model.SignalBatch
	Guidance  map[string]string
}

func (h *Handoff) renderPrompt(sf *model.SignalFile, count int) (string, error) {
	var buf bytes.Buffer
	err := h.tmpl.Execute(&buf, promptData{
		Timestamp: sf.Timestamp,
		TaskCount: count,
		Batches:   sf.Batches,
		Guidance:  guidance,
	})
	if err != nil {
		return "", fmt.Errorf("render handoff prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// tailLines returns the last n non-empty lines of path.
func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, line)
	}
	return ring, sc.Err()
}
