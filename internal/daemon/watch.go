package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const taskFileName = "task.json"

// refreshWatches adds the specs and worktrees roots plus every per-task
// directory holding a task.json copy. fsnotify is not recursive, so new task
// directories are picked up here (on create events and on every scan).
func (d *Daemon) refreshWatches() {
	if d.watcher == nil {
		return
	}
	dirs := []string{d.paths.SpecsDir, d.paths.WorktreesDir}

	if entries, err := os.ReadDir(d.paths.SpecsDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(d.paths.SpecsDir, e.Name()))
			}
		}
	}
	if entries, err := os.ReadDir(d.paths.WorktreesDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			wt := filepath.Join(d.paths.WorktreesDir, e.Name())
			dirs = append(dirs, wt, filepath.Dir(d.paths.WorktreeTaskPath(e.Name())))
		}
	}

	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	for _, dir := range dirs {
		if d.watched[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := d.watcher.Add(dir); err != nil {
			d.logger.Debugf("watch %s: %v", dir, err)
			continue
		}
		d.watched[dir] = true
	}
}

func (d *Daemon) watchLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleFileEvent(ev)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) handleFileEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			d.refreshWatches()
			return
		}
	}
	if filepath.Base(ev.Name) != taskFileName {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	id := taskIDFromPath(ev.Name)
	if id == "" {
		return
	}
	d.logger.Debugf("fsnotify event=%s task=%s", ev.Op, id)
	if d.engine.Observe(d.ctx, id) {
		d.sched.Enqueue(id)
	}
}

// taskIDFromPath maps .../specs/<id>/task.json (primary or worktree copy) to <id>.
func taskIDFromPath(path string) string {
	dir := filepath.Dir(path)
	if filepath.Base(filepath.Dir(dir)) != "specs" {
		return ""
	}
	return filepath.Base(dir)
}

func (d *Daemon) scanLoop() {
	defer d.wg.Done()
	interval := time.Duration(d.config.Daemon.ScanIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.logger.Debugf("periodic scan triggered")
			d.Scan(d.ctx)
		}
	}
}

// Scan enqueues every known task that currently needs attention and
// returns how many it enqueued.
func (d *Daemon) Scan(ctx context.Context) int {
	d.refreshWatches()
	ids, err := d.reader.List(ctx)
	if err != nil {
		d.logger.Warnf("scan: list tasks: %v", err)
		return 0
	}
	var hits []string
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if d.engine.Observe(ctx, id) {
			hits = append(hits, id)
		}
	}
	if len(hits) > 0 {
		d.sched.Enqueue(hits...)
		d.logger.Infof("scan enqueued=%d of %d", len(hits), len(ids))
	}
	return len(hits)
}
