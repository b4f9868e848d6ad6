// Package busy answers whether the external reasoning session is occupied.
// Two sources feed it; the connection-reported state wins over the log scan
// whenever it is current.
package busy

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
)

type Probe struct {
	conn  *ConnectionSource
	log   Source // nil when no session log is configured
	group singleflight.Group

	mu        sync.Mutex
	idleHooks []func()
	lastBusy  bool

	pollInterval time.Duration
	logger       *logging.Logger
}

func New(conn *ConnectionSource, log Source, pollInterval time.Duration, logger *logging.Logger) *Probe {
	if conn == nil {
		conn = NewConnectionSource(0)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Probe{
		conn:         conn,
		log:          log,
		pollInterval: pollInterval,
		logger:       logger.Named("busy_probe"),
	}
}

// NewFromConfig builds both sources from the busy section of the config.
func NewFromConfig(cfg model.BusyConfig, logger *logging.Logger) (*Probe, error) {
	conn := NewConnectionSource(time.Duration(cfg.ConnectionTTLSec) * time.Second)
	var src Source
	if cfg.LogPath != "" {
		ls, err := NewLogSource(cfg.LogPath, cfg.BusyPatterns, time.Duration(cfg.LogStaleSec)*time.Second)
		if err != nil {
			return nil, err
		}
		src = ls
	}
	return New(conn, src, time.Duration(cfg.PollIntervalSec)*time.Second, logger), nil
}

// IsBusy consults the sources in precedence order. Concurrent callers share
// one evaluation. A source error counts as busy. With no information at all
// the session is considered idle.
func (p *Probe) IsBusy(ctx context.Context) (bool, error) {
	v, err, _ := p.group.Do("busy", func() (interface{}, error) {
		return p.evaluate(ctx)
	})
	if err != nil {
		return true, err
	}
	return v.(bool), nil
}

func (p *Probe) evaluate(ctx context.Context) (bool, error) {
	for _, src := range p.sources() {
		v, err := src.Check(ctx)
		if err != nil {
			p.logger.Warnf("source=%s error=%v", src.Name(), err)
			return true, err
		}
		if v != VerdictUnknown {
			p.logger.Debugf("source=%s verdict=%s", src.Name(), v)
			return v == VerdictBusy, nil
		}
	}
	return false, nil
}

func (p *Probe) sources() []Source {
	if p.log == nil {
		return []Source{p.conn}
	}
	return []Source{p.conn, p.log}
}

// OnIdle registers fn for the event-driven path: it runs whenever the
// session reports idle or the poller sees a busy-to-idle transition.
func (p *Probe) OnIdle(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleHooks = append(p.idleHooks, fn)
}

// ReportSession records a state pushed by the session over the control socket.
func (p *Probe) ReportSession(busy bool) {
	p.conn.Report(busy)
	p.mu.Lock()
	p.lastBusy = busy
	p.mu.Unlock()
	p.logger.Infof("session reported busy=%v", busy)
	if !busy {
		p.fireIdle()
	}
}

// Run polls the sources until ctx is done and fires idle hooks on a
// busy-to-idle transition.
func (p *Probe) Run(ctx context.Context) {
	if p.pollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one probe and fires idle hooks when the session just went idle.
func (p *Probe) Poll(ctx context.Context) {
	busy, err := p.IsBusy(ctx)
	if err != nil {
		return
	}
	p.mu.Lock()
	wasBusy := p.lastBusy
	p.lastBusy = busy
	p.mu.Unlock()
	if wasBusy && !busy {
		p.logger.Infof("session went idle")
		p.fireIdle()
	}
}

func (p *Probe) fireIdle() {
	p.mu.Lock()
	hooks := append([]func(){}, p.idleHooks...)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
