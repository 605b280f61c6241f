package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"mtbridge/internal/core"
	"mtbridge/pkg/telemetry"
)

// Handler receives each journal signal exactly once per signal id.
type Handler func(sig core.Signal)

// Config carries the watcher tunables.
type Config struct {
	// Path is the journal file the advisor rewrites.
	Path string
	// Debounce absorbs the event burst a single journal rewrite produces.
	Debounce time.Duration
	// CheckInterval is the polling backup against missed events.
	CheckInterval time.Duration
	// ParseRetries bounds re-reads when a partial write is observed.
	ParseRetries int
	// SeenCap / SeenRetain bound the dedup set: at cap, only the most
	// recent SeenRetain ids survive.
	SeenCap    int
	SeenRetain int
}

// DefaultConfig returns the production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		Debounce:      time.Second,
		CheckInterval: 30 * time.Second,
		ParseRetries:  3,
		SeenCap:       1000,
		SeenRetain:    500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Path)
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ParseRetries <= 0 {
		c.ParseRetries = d.ParseRetries
	}
	if c.SeenCap <= 0 {
		c.SeenCap = d.SeenCap
	}
	if c.SeenRetain <= 0 || c.SeenRetain > c.SeenCap {
		c.SeenRetain = c.SeenCap / 2
	}
	return c
}

// retryDelay spaces re-reads of a journal caught mid-write.
const retryDelay = 50 * time.Millisecond

// Stats is a point-in-time snapshot of the watcher counters.
type Stats struct {
	Ingested      int64
	Invalid       int64
	ParseFailures int64
	SeenSize      int
}

// Watcher tails the journal file. All scanning runs on one goroutine; the
// seen set has its own lock only so Stats can read it.
type Watcher struct {
	cfg     Config
	handler Handler
	logger  core.ILogger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	ingested      int64
	invalid       int64
	parseFailures int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher builds a watcher delivering to handler.
func NewWatcher(cfg Config, handler Handler, logger core.ILogger) *Watcher {
	return &Watcher{
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger.WithField("component", "journal"),
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins watching. The journal's directory is watched rather than the
// file itself so rename-based replacement still produces events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}

	dir := filepath.Dir(w.cfg.Path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx, fsw)

	w.logger.Info("Journal watcher started",
		"path", w.cfg.Path,
		"debounce", w.cfg.Debounce,
		"check_interval", w.cfg.CheckInterval)
	return nil
}

// Stop halts the watcher and waits for the scan loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	seenSize := len(w.seen)
	w.mu.Unlock()
	return Stats{
		Ingested:      atomic.LoadInt64(&w.ingested),
		Invalid:       atomic.LoadInt64(&w.invalid),
		ParseFailures: atomic.LoadInt64(&w.parseFailures),
		SeenSize:      seenSize,
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()

	// Signals already in the journal at startup are new to us.
	w.scan()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	poll := time.NewTicker(w.cfg.CheckInterval)
	defer poll.Stop()
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.cfg.Path) {
				continue
			}
			// Chmod covers bare touches, which also signal a rewrite.
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Chmod) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.cfg.Debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.cfg.Debounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.scan()

		case <-poll.C:
			w.scan()

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Journal watcher error", "error", err)
		}
	}
}

// scan reads the journal and hands every unseen valid signal to the
// handler. Read and parse failures are counted, never fatal.
func (w *Watcher) scan() {
	entries, err := w.readJournal()
	if err != nil {
		atomic.AddInt64(&w.parseFailures, 1)
		w.logger.Warn("Journal unreadable, will retry on next change", "path", w.cfg.Path, "error", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.SignalID != "" && w.alreadySeen(entry.SignalID) {
			continue
		}
		sig, err := entry.normalize(now)
		if err != nil {
			atomic.AddInt64(&w.invalid, 1)
			w.logger.Warn("Invalid journal entry skipped", "signal_id", entry.SignalID, "error", err)
			continue
		}
		w.markSeen(sig.SignalID)
		atomic.AddInt64(&w.ingested, 1)
		if m := telemetry.GetGlobalMetrics(); m.SignalsIngestedTotal != nil {
			m.SignalsIngestedTotal.Add(context.Background(), 1)
		}
		w.logger.Info("Signal ingested",
			"signal_id", sig.SignalID,
			"kind", string(sig.Kind),
			"symbol", sig.Symbol,
			"account", sig.AccountID)
		w.handler(sig)
	}
}

// readJournal loads and parses the file, retrying briefly when a partial
// write is caught mid-replacement. A missing file reads as empty.
func (w *Watcher) readJournal() ([]rawSignal, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.ParseRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		raw, err := os.ReadFile(w.cfg.Path)
		if os.IsNotExist(err) {
			w.logger.Debug("Journal file absent, treating as empty", "path", w.cfg.Path)
			return nil, nil
		}
		if err != nil {
			lastErr = err
			continue
		}

		entries, err := parseJournal(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return entries, nil
	}
	return nil, lastErr
}

func (w *Watcher) alreadySeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[id]
	return ok
}

func (w *Watcher) markSeen(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seen[id] = struct{}{}
	w.seenOrder = append(w.seenOrder, id)
	if len(w.seenOrder) > w.cfg.SeenCap {
		cut := len(w.seenOrder) - w.cfg.SeenRetain
		for _, old := range w.seenOrder[:cut] {
			delete(w.seen, old)
		}
		w.seenOrder = append([]string(nil), w.seenOrder[cut:]...)
	}
}
