// Package daemon hosts the recovery orchestrator for one project: it owns
// the scheduler, rate gate, busy probe and recovery engine, watches task
// files and serves the control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/rdr/internal/busy"
	"github.com/msageha/rdr/internal/events"
	"github.com/msageha/rdr/internal/lock"
	"github.com/msageha/rdr/internal/logging"
	"github.com/msageha/rdr/internal/model"
	"github.com/msageha/rdr/internal/probe"
	"github.com/msageha/rdr/internal/ratelimit"
	"github.com/msageha/rdr/internal/recovery"
	"github.com/msageha/rdr/internal/scheduler"
	"github.com/msageha/rdr/internal/task"
	"github.com/msageha/rdr/internal/uds"
)

const (
	daemonLogName = "daemon.log"
	eventsLogName = "events.jsonl"
)

type Daemon struct {
	paths     model.Paths
	config    model.Config
	logger    *logging.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	watched  map[string]bool
	watchMu  sync.Mutex

	bus    *events.Bus
	audit  *events.AuditLogger
	chain  *lock.Chain
	reader *task.Reader
	engine *recovery.Engine
	gate   *ratelimit.Gate
	busy   *busy.Probe
	sched  *scheduler.Scheduler
	usage  *probe.UsageFile

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New opens <control dir>/logs/daemon.log and wires every component.
func New(projectRoot string, cfg model.Config) (*Daemon, error) {
	paths := model.ResolvePaths(projectRoot, cfg)
	if err := os.MkdirAll(paths.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(paths.LogDir, daemonLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	d, err := newDaemon(paths, cfg, logFile, logFile)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(paths model.Paths, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = model.ApplyDefaults(cfg)
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		paths:    paths,
		config:   cfg,
		logger:   logger.Named("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(paths.LockPath),
		server:   uds.NewServer(paths.SocketPath, logger),
		watched:  make(map[string]bool),
		bus:      events.NewBus(256),
		chain:    lock.NewChain(),
		usage:    probe.NewUsageFile(paths.UsagePath),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.reader = task.NewReader(paths, logger)
	d.gate = ratelimit.NewGate(ratelimit.ConfigFrom(cfg.RateGate, paths.RateGatePath), d.bus, logger)

	bp, err := busy.NewFromConfig(cfg.Busy, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("busy probe: %w", err)
	}
	d.busy = bp

	engine, err := recovery.NewEngine(recovery.ConfigFrom(cfg.Recovery, paths.SignalPath), recovery.Deps{
		Reader:    d.reader,
		Liveness:  probe.NewPIDFile(paths.SpecDir),
		Usage:     d.usage,
		Gate:      d.gate,
		Publisher: d.bus,
		Chain:     d.chain,
		Logger:    logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	d.engine = engine

	d.sched = scheduler.New(scheduler.Config{
		CollectionWindow: time.Duration(cfg.Scheduler.CollectionWindowSec) * time.Second,
		BusyRetry:        time.Duration(cfg.Scheduler.BusyRetrySec) * time.Second,
	}, scheduler.RealClock{}, d.busy, d.engine.ProcessBatch, logger)

	d.gate.OnClear(func(reason string) {
		d.logger.Infof("rate gate cleared reason=%s, kicking scheduler", reason)
		d.sched.Kick()
	})
	d.busy.OnIdle(d.onSessionIdle)
	return d, nil
}

// Run starts the daemon and blocks until a signal or a shutdown command.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the project lock and brings every loop up. It returns once
// the control socket is listening.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.logger.Infof("daemon starting pid=%d project=%s", os.Getpid(), d.paths.ProjectRoot)

	audit, err := events.NewAuditLogger(filepath.Join(d.paths.LogDir, eventsLogName), 0)
	if err != nil {
		d.cleanup()
		return err
	}
	d.audit = audit
	d.bus.SubscribeAll(func(ev events.Event) {
		if err := d.audit.Record(ev); err != nil {
			d.logger.Warnf("audit write failed: %v", err)
		}
	})

	if err := d.gate.Load(); err != nil {
		d.logger.Warnf("%v (starting with an open gate)", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, dir := range []string{d.paths.SpecsDir, d.paths.WorktreesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	d.refreshWatches()

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	d.wg.Add(3)
	go d.watchLoop()
	go d.scanLoop()
	go func() {
		defer d.wg.Done()
		d.busy.Run(d.ctx)
	}()

	n := d.Scan(d.ctx)
	d.logger.Infof("daemon ready initial_enqueued=%d", n)
	return nil
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) onSessionIdle() {
	if d.ctx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sched.NotifyIdle()
	}()
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, shutting down", sig)
		// The gate's last state must survive even if the drain below hangs.
		if err := d.gate.PersistUnlocked(); err != nil {
			d.logger.Warnf("persist rate gate: %v", err)
		}
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.done:
	}
}

// Shutdown stops producers, drains in-flight work and releases the lock.
// Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		d.cancel()
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()
		if !d.sched.StopTimeout(timeout) {
			d.logger.Warnf("recovery cycle still running after %s", timeout)
		}

		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.bus.Close()
		d.cleanup()
		d.logger.Infof("daemon stopped")
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
		close(d.done)
	})
}

func (d *Daemon) cleanup() {
	if d.audit != nil {
		_ = d.audit.Close()
	}
	_ = d.fileLock.Unlock()
}
