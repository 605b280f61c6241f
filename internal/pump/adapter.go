// Package pump owns the broker library's push mode. The adapter decodes
// raw event records on the broker's callback thread, transfers them through
// a bounded handoff channel, and drives a single event worker that is the
// only place subscriber code runs.
package pump

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mtbridge/internal/core"
	"mtbridge/internal/manager"
	apperrors "mtbridge/pkg/errors"
	"mtbridge/pkg/telemetry"
)

// Dispatcher consumes decoded events on the owning side.
type Dispatcher interface {
	Dispatch(ev core.Event)
}

// State is the adapter lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the adapter knobs.
type Config struct {
	HandoffCapacity int
	StartupWindow   time.Duration
	PingInterval    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HandoffCapacity: 4096,
		StartupWindow:   10 * time.Second,
		PingInterval:    5 * time.Second,
	}
}

// Stats is a point-in-time snapshot of the adapter counters.
type Stats struct {
	State        string
	Received     int64
	Dispatched   int64
	DecodeErrors int64
	Dropped      int64
	LastEventAt  time.Time
	Uptime       time.Duration
}

// drainDeadline bounds how long Stop waits for the worker to drain the
// handoff channel.
const drainDeadline = 2 * time.Second

// Adapter bridges the broker's pumping mode onto the event dispatcher.
//
// The pump callback runs on a thread owned by the broker library. It must
// never block, never take a lock shared with application code, and never
// run subscriber code: it decodes inline, offers into the bounded handoff
// channel, and counts with atomics. Everything else happens on goroutines
// the adapter owns.
type Adapter struct {
	api        manager.API
	dispatcher Dispatcher
	logger     core.ILogger
	cfg        Config

	state    int32 // State, atomic
	connLost int32 // atomic bool

	handoff       chan core.Event
	handoffClosed int32 // atomic bool
	started       chan struct{}
	startedSeen   int32 // atomic bool

	received     int64 // atomics
	dispatched   int64
	decodeErrors int64
	dropped      int64

	lastEventNano int64 // atomic
	lastPingNano  int64 // atomic
	startedAt     atomic.Value // time.Time

	// counters already reported by the liveness loop
	loggedDecodeErrors int64
	reportedReceived   int64
	reportedDropped    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAdapter creates a stopped adapter.
func NewAdapter(api manager.API, dispatcher Dispatcher, cfg Config, logger core.ILogger) *Adapter {
	if cfg.HandoffCapacity <= 0 {
		cfg.HandoffCapacity = DefaultConfig().HandoffCapacity
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = DefaultConfig().StartupWindow
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	a := &Adapter{
		api:        api,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "pump"),
		cfg:        cfg,
	}
	a.startedAt.Store(time.Time{})
	return a
}

// Start installs the pump callback and waits for the broker to confirm
// pumping with the pumping_started code. It fails with ErrAlreadyRunning,
// ErrNotConnected, or ErrStartTimeout when the confirmation does not arrive
// within the startup window.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentState() != StateIdle {
		return apperrors.ErrAlreadyRunning
	}
	if !a.api.IsConnected() {
		return apperrors.ErrNotConnected
	}

	a.logger.Info("Starting pumping adapter", "handoff_capacity", a.cfg.HandoffCapacity)

	if a.cancel != nil {
		a.cancel()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.handoff = make(chan core.Event, a.cfg.HandoffCapacity)
	a.started = make(chan struct{})
	atomic.StoreInt32(&a.handoffClosed, 0)
	atomic.StoreInt32(&a.startedSeen, 0)
	atomic.StoreInt32(&a.connLost, 0)
	atomic.StoreInt64(&a.lastPingNano, time.Now().UnixNano())
	a.setState(StateStarting)

	a.wg.Add(2)
	go a.workerLoop(a.handoff)
	go a.livenessLoop(a.ctx)

	if err := a.api.RegisterPumpCallback(a.pumpCallback); err != nil {
		a.shutdownLocked()
		return err
	}

	select {
	case <-a.started:
		a.setState(StateRunning)
		a.startedAt.Store(time.Now())
		a.logger.Info("Pumping adapter running")
		return nil
	case <-time.After(a.cfg.StartupWindow):
		a.logger.Error("Broker did not confirm pumping within startup window")
		_ = a.api.UnregisterPumpCallback()
		a.shutdownLocked()
		return apperrors.ErrStartTimeout
	case <-ctx.Done():
		_ = a.api.UnregisterPumpCallback()
		a.shutdownLocked()
		return ctx.Err()
	}
}

// Stop deregisters the callback, waits for the foreign thread to quiesce,
// and drains the handoff channel up to the drain deadline.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentState() == StateIdle {
		return
	}

	a.logger.Info("Stopping pumping adapter")
	a.setState(StateStopping)

	// UnregisterPumpCallback blocks until in-flight callbacks return, so no
	// offer can race the close below.
	_ = a.api.UnregisterPumpCallback()
	a.shutdownLocked()
	a.logger.Info("Pumping adapter stopped",
		"received", atomic.LoadInt64(&a.received),
		"dropped", atomic.LoadInt64(&a.dropped))
}

// shutdownLocked closes the handoff, stops the owned goroutines and waits
// out the drain deadline. Callers hold a.mu.
func (a *Adapter) shutdownLocked() {
	a.closeHandoff()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline + time.Second):
		a.logger.Warn("Pumping adapter drain timed out")
	}
	a.setState(StateIdle)
}

func (a *Adapter) closeHandoff() {
	if atomic.CompareAndSwapInt32(&a.handoffClosed, 0, 1) {
		close(a.handoff)
	}
}

// pumpCallback is invoked by the broker library on its own thread: decode
// inline, count with atomics, offer without blocking. Nothing here may log
// or take application locks.
func (a *Adapter) pumpCallback(code core.PumpCode, data []byte) {
	atomic.AddInt64(&a.received, 1)
	atomic.StoreInt64(&a.lastEventNano, time.Now().UnixNano())

	switch code {
	case core.CodePumpingStarted:
		if atomic.CompareAndSwapInt32(&a.startedSeen, 0, 1) {
			close(a.started)
		}
		a.offer(core.Event{Code: code})

	case core.CodePing:
		atomic.StoreInt64(&a.lastPingNano, time.Now().UnixNano())
		a.offer(core.Event{Code: code})

	case core.CodeBidAskUpdated:
		rec, err := manager.DecodeSymbolInfo(data)
		if err != nil {
			atomic.AddInt64(&a.decodeErrors, 1)
			return
		}
		a.offer(core.Event{Code: code, Quote: rec.ToQuote(time.Now())})

	case core.CodeTradesUpdated:
		rec, err := manager.DecodeTradeRecord(data)
		if err != nil {
			atomic.AddInt64(&a.decodeErrors, 1)
			return
		}
		a.offer(core.Event{Code: code, Trade: rec.ToTrade()})

	default:
		// Remaining codes carry no payload the core decodes; forward them
		// verbatim for statistics.
		a.offer(core.Event{Code: code})
	}
}

// offer performs the non-blocking handoff. A full channel sheds the new
// event; the send cannot race the close because the channel is closed only
// after the callback is deregistered and quiesced.
func (a *Adapter) offer(ev core.Event) {
	select {
	case a.handoff <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

// workerLoop is the single owner-side consumer: it drains the handoff
// channel and hands events to the dispatcher. This is the only goroutine
// that runs subscriber code.
func (a *Adapter) workerLoop(handoff <-chan core.Event) {
	defer a.wg.Done()

	for ev := range handoff {
		if ev.Code == core.CodePumpingStopped && a.currentState() == StateRunning {
			a.logger.Warn("Broker reported pumping stopped")
			a.setState(StateStopping)
		}
		a.dispatcher.Dispatch(ev)
		atomic.AddInt64(&a.dispatched, 1)
	}

	a.logger.Debug("Event worker drained handoff channel")
}

// livenessLoop watches broker pings and reports decode errors. No ping for
// more than twice the ping interval counts as a lost connection: the
// callback is deregistered and the handoff closed, so dispatch ceases.
func (a *Adapter) livenessLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportCounters(ctx)

			if a.currentState() != StateRunning {
				continue
			}
			lastPing := time.Unix(0, atomic.LoadInt64(&a.lastPingNano))
			if time.Since(lastPing) > 2*a.cfg.PingInterval {
				a.logger.Error("Broker ping timeout, treating connection as lost",
					"last_ping", lastPing.Format(time.RFC3339))
				atomic.StoreInt32(&a.connLost, 1)
				a.setState(StateStopping)
				_ = a.api.UnregisterPumpCallback()
				a.closeHandoff()
				return
			}
		}
	}
}

// reportCounters pushes counter deltas to telemetry and logs decode
// failures. The callback side only touches atomics, so the owning side
// publishes on its behalf.
func (a *Adapter) reportCounters(ctx context.Context) {
	metrics := telemetry.GetGlobalMetrics()

	if n := atomic.LoadInt64(&a.received); n > a.reportedReceived {
		if metrics.PumpEventsTotal != nil {
			metrics.PumpEventsTotal.Add(ctx, n-a.reportedReceived)
		}
		a.reportedReceived = n
	}
	if n := atomic.LoadInt64(&a.dropped); n > a.reportedDropped {
		metrics.CountDrops(ctx, "handoff", n-a.reportedDropped)
		a.reportedDropped = n
	}
	if n := atomic.LoadInt64(&a.decodeErrors); n > a.loggedDecodeErrors {
		a.logger.Warn("Broker records failed to decode", "count", n-a.loggedDecodeErrors)
		if metrics.PumpDecodeErrorsTotal != nil {
			metrics.PumpDecodeErrorsTotal.Add(ctx, n-a.loggedDecodeErrors)
		}
		a.loggedDecodeErrors = n
	}
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	var uptime time.Duration
	if started, ok := a.startedAt.Load().(time.Time); ok && !started.IsZero() && a.currentState() == StateRunning {
		uptime = time.Since(started)
	}

	var lastEvent time.Time
	if nano := atomic.LoadInt64(&a.lastEventNano); nano > 0 {
		lastEvent = time.Unix(0, nano)
	}

	return Stats{
		State:        a.currentState().String(),
		Received:     atomic.LoadInt64(&a.received),
		Dispatched:   atomic.LoadInt64(&a.dispatched),
		DecodeErrors: atomic.LoadInt64(&a.decodeErrors),
		Dropped:      atomic.LoadInt64(&a.dropped),
		LastEventAt:  lastEvent,
		Uptime:       uptime,
	}
}

// ConnectionLost reports whether the adapter stopped itself on ping
// timeout.
func (a *Adapter) ConnectionLost() bool {
	return atomic.LoadInt32(&a.connLost) == 1
}

func (a *Adapter) currentState() State {
	return State(atomic.LoadInt32(&a.state))
}

func (a *Adapter) setState(s State) {
	atomic.StoreInt32(&a.state, int32(s))
}
