// Package watch runs the filesystem ingestion daemons: one per watch
// configuration, each an fsnotify observer feeding a debounced queue into a
// small processor pool that drives the ingest pipeline.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/stenohq/steno/internal/changedetect"
	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/ingest"
)

// processorCount bounds concurrent ingests per daemon.
const processorCount = 2

// queueDepth bounds the pending-file channel; a burst beyond this blocks the
// observer until the processors catch up.
const queueDepth = 256

type workItem struct {
	path    string
	attempt int
}

// Daemon watches one configured directory and ingests changed files.
type Daemon struct {
	watchCfg db.WatchConfig
	pipeline *ingest.Pipeline
	db       *db.DB
	cfg      *config.Config
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	queue    chan workItem
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time

	// seen dedupes identical (path, size, mtime) observations within this
	// run; cross-run continuity lives in the raw_logs cursor.
	seenMu sync.Mutex
	seen   map[uint64]struct{}

	retryMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewDaemon builds a daemon for one watch configuration. Start must be
// called before it observes anything.
func NewDaemon(watchCfg db.WatchConfig, pipeline *ingest.Pipeline, database *db.DB, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Daemon{
		watchCfg: watchCfg,
		pipeline: pipeline,
		db:       database,
		cfg:      cfg,
		logger: logger.With(
			"watch_config_id", watchCfg.ID, "directory", watchCfg.DirectoryPath),
		watcher: fsw,
		queue:   make(chan workItem, queueDepth),
		stop:    make(chan struct{}),
		pending: make(map[string]time.Time),
		seen:    make(map[uint64]struct{}),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start registers the directory tree, reconciles state accumulated while the
// daemon was down, and begins observing.
func (d *Daemon) Start(ctx context.Context) error {
	if _, err := os.Stat(d.watchCfg.DirectoryPath); err != nil {
		return errkind.Wrap(errkind.InvalidArgument, "watch directory unavailable", err)
	}
	if err := d.addWatches(); err != nil {
		return err
	}

	for i := 0; i < processorCount; i++ {
		d.wg.Add(1)
		go d.processor(ctx)
	}
	d.wg.Add(1)
	go d.observe()

	if err := d.reconcile(ctx); err != nil {
		d.logger.Warn("startup reconciliation failed", "error", err.Error())
	}
	d.logger.Info("watch daemon started")
	return nil
}

// Stop flushes the debounce map, drains in-flight work, and releases the
// fsnotify handle.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.retryMu.Lock()
		for _, t := range d.timers {
			t.Stop()
		}
		d.retryMu.Unlock()

		close(d.stop)
		d.watcher.Close()
		d.wg.Wait()
		d.logger.Info("watch daemon stopped")
	})
}

func (d *Daemon) addWatches() error {
	if !d.watchCfg.Recursive {
		if err := d.watcher.Add(d.watchCfg.DirectoryPath); err != nil {
			return fmt.Errorf("watching %s: %w", d.watchCfg.DirectoryPath, err)
		}
		return nil
	}
	return filepath.WalkDir(d.watchCfg.DirectoryPath,
		func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip inaccessible dirs
			}
			if entry.IsDir() {
				if addErr := d.watcher.Add(path); addErr != nil {
					d.logger.Warn("cannot watch subdirectory",
						"path", path, "error", addErr.Error())
				}
			}
			return nil
		})
}

// reconcile classifies every known file under the directory and enqueues the
// ones that changed while the daemon was down. Files that disappeared are
// left alone. New files without a cursor yet are enqueued too.
func (d *Daemon) reconcile(ctx context.Context) error {
	known, err := d.db.ListRawLogsUnderDir(ctx, d.watchCfg.WorkspaceID, d.watchCfg.DirectoryPath)
	if err != nil {
		return err
	}
	knownPaths := make(map[string]bool, len(known))
	enqueued := 0
	for _, raw := range known {
		knownPaths[raw.FilePath] = true
		if _, err := os.Stat(raw.FilePath); err != nil {
			continue
		}
		prior := changedetect.State{
			Offset: raw.LastProcessedOffset,
			Size:   raw.FileSizeBytes,
		}
		if raw.PartialHash != nil {
			prior.PartialHash = *raw.PartialHash
		}
		res, err := changedetect.Classify(raw.FilePath, prior)
		if err != nil {
			d.logger.Warn("reconcile classify failed",
				"path", raw.FilePath, "error", err.Error())
			continue
		}
		if res.Class != changedetect.Unchanged {
			d.enqueue(raw.FilePath)
			enqueued++
		}
	}

	err = filepath.WalkDir(d.watchCfg.DirectoryPath,
		func(path string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return nil
			}
			if !d.watchCfg.Recursive && filepath.Dir(path) != d.watchCfg.DirectoryPath {
				return nil
			}
			if d.extensionMatch(path) && !knownPaths[path] {
				d.enqueue(path)
				enqueued++
			}
			return nil
		})
	if enqueued > 0 {
		d.logger.Info("reconciliation enqueued files", "count", enqueued)
	}
	return err
}

func (d *Daemon) debounce() time.Duration {
	if d.watchCfg.DebounceMs > 0 {
		return time.Duration(d.watchCfg.DebounceMs) * time.Millisecond
	}
	return d.cfg.WatchDebounce
}

// observe is the fsnotify loop: collect events into the pending map and
// flush entries whose debounce window elapsed.
func (d *Daemon) observe() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.debounce())
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			d.flush(true)
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				d.flush(true)
				return
			}
			d.handleEvent(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				d.flush(true)
				return
			}
			d.logger.Warn("watcher error", "error", err.Error())
		case <-ticker.C:
			d.flush(false)
		}
	}
}

func (d *Daemon) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 && d.watchCfg.Recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = d.watcher.Add(event.Name)
			return
		}
	}
	if !d.extensionMatch(event.Name) {
		return
	}
	d.mu.Lock()
	d.pending[event.Name] = time.Now()
	d.mu.Unlock()
}

func (d *Daemon) extensionMatch(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, allowed := range strings.Split(d.watchCfg.Extensions, ",") {
		if ext == strings.TrimSpace(allowed) {
			return true
		}
	}
	return false
}

// flush moves pending paths whose debounce window elapsed onto the work
// queue. force drains everything regardless of age.
func (d *Daemon) flush(force bool) {
	now := time.Now()
	window := d.debounce()

	d.mu.Lock()
	var ready []string
	for path, t := range d.pending {
		if force || now.Sub(t) >= window {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(d.pending, path)
	}
	d.mu.Unlock()

	for _, path := range ready {
		d.enqueue(path)
	}
}

func (d *Daemon) enqueue(path string) {
	select {
	case d.queue <- workItem{path: path, attempt: 1}:
	case <-d.stop:
	}
}

// fingerprint identifies one observed file state within this run.
func fingerprint(path string, size int64, mtime time.Time) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s|%d|%d", path, size, mtime.UnixNano()))
}

func (d *Daemon) alreadyProcessed(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true // gone; nothing to do
	}
	fp := fingerprint(path, info.Size(), info.ModTime())
	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = struct{}{}
	return false
}

func (d *Daemon) processor(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			// Drain whatever flush(true) queued before exiting.
			for {
				select {
				case item := <-d.queue:
					d.process(ctx, item)
				default:
					return
				}
			}
		case item := <-d.queue:
			d.process(ctx, item)
		}
	}
}

func (d *Daemon) process(ctx context.Context, item workItem) {
	if item.attempt == 1 && d.alreadyProcessed(item.path) {
		return
	}
	outcome, err := d.pipeline.IngestLogFile(ctx, d.watchCfg.WorkspaceID, item.path, ingest.Options{
		SourceType:     ingest.SourceWatch,
		SourceConfigID: d.watchCfg.ID,
		SkipDuplicates: true,
	})
	if err != nil {
		d.scheduleRetry(item, err)
		return
	}
	d.logger.Debug("file processed",
		"path", item.path, "status", outcome.Status,
		"change_class", string(outcome.ChangeClass),
		"messages_added", outcome.MessagesAdded)
	d.pipeline.LogSweep(ctx, d.logger, d.watchCfg.WorkspaceID, d.cfg.MaxLinkingAttempts)
}

// scheduleRetry requeues a failed file with base·3^(attempts−1) backoff,
// dropping it with a warning once retries are exhausted. The failed
// ingestion job row remains for the audit trail.
func (d *Daemon) scheduleRetry(item workItem, cause error) {
	if item.attempt >= d.cfg.MaxRetries {
		d.logger.Warn("giving up on file",
			"path", item.path, "attempts", item.attempt, "error", cause.Error())
		return
	}
	backoff := d.cfg.RetryBase
	for i := 1; i < item.attempt; i++ {
		backoff *= 3
	}
	d.logger.Warn("ingest failed, scheduling retry",
		"path", item.path, "attempt", item.attempt,
		"backoff", backoff.String(), "error", cause.Error())

	next := workItem{path: item.path, attempt: item.attempt + 1}
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	d.timers[item.path] = time.AfterFunc(backoff, func() {
		d.retryMu.Lock()
		delete(d.timers, item.path)
		d.retryMu.Unlock()
		select {
		case d.queue <- next:
		case <-d.stop:
		}
	})
}
