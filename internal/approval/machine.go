// Package approval holds advisor signals until an operator verdict arrives
// and drives approved signals through the order client.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mtbridge/internal/core"
	"mtbridge/pkg/concurrency"
	apperrors "mtbridge/pkg/errors"
	"mtbridge/pkg/telemetry"
)

// Decision is an operator verdict on a pending signal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// Overrides carries the fields a modify verdict may replace.
type Overrides struct {
	VolumeLots *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Notification event names emitted through the notify hook.
const (
	EventPending  = "signal_pending"
	EventModified = "signal_modified"
	EventApproved = "signal_approved"
	EventRejected = "signal_rejected"
	EventExecuted = "signal_executed"
	EventFailed   = "signal_failed"
)

// executeTimeout bounds one execution attempt including its retries.
const executeTimeout = 2 * time.Minute

// sweepInterval is how often settled signals are checked against the
// retention window.
const sweepInterval = time.Minute

// Config carries the state machine tunables.
type Config struct {
	// AutoExecute submits signals immediately instead of parking them
	// for a verdict.
	AutoExecute bool
	// Retention keeps settled signals visible before eviction.
	Retention time.Duration
	// ExecutorWorkers sizes the execution pool.
	ExecutorWorkers int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.ExecutorWorkers <= 0 {
		c.ExecutorWorkers = 4
	}
	return c
}

// SymbolInfoFunc queries the broker for symbol metadata when no cached
// quote can price a market order.
type SymbolInfoFunc func(ctx context.Context, symbol string) (*core.SymbolInfo, error)

// NotifyFunc receives lifecycle events for the chat/UI surfaces.
type NotifyFunc func(event string, sig core.PendingSignal)

// ConnectedFunc reports whether the broker link is usable.
type ConnectedFunc func() bool

// Deps wires the machine to its collaborators. Orders and Quotes are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Orders     core.IOrderClient
	Quotes     core.IQuoteSource
	SymbolInfo SymbolInfoFunc
	Notify     NotifyFunc
	Connected  ConnectedFunc
}

// Machine is the approval state machine. Signals move
// pending -> approved -> executed|failed, or pending -> rejected; modify
// keeps a signal pending with patched fields. The first verdict wins:
// anything after a terminal transition is a logged no-op.
type Machine struct {
	cfg    Config
	deps   Deps
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu      sync.Mutex
	signals map[string]*core.PendingSignal

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMachine builds the state machine.
func NewMachine(cfg Config, deps Deps, logger core.ILogger) *Machine {
	cfg = cfg.withDefaults()
	log := logger.WithField("component", "approval")
	return &Machine{
		cfg:    cfg,
		deps:   deps,
		logger: log,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "approval-executor",
			MaxWorkers: cfg.ExecutorWorkers,
		}, logger),
		signals: make(map[string]*core.PendingSignal),
		done:    make(chan struct{}),
	}
}

// Start launches the retention janitor.
func (m *Machine) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.janitor(ctx)
}

// Stop halts the janitor and drains in-flight executions.
func (m *Machine) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.pool.Stop()

	stats := m.pool.Stats()
	m.logger.Debug("Executor pool drained",
		"submitted", stats.SubmittedTasks, "failed", stats.FailedTasks)
}

// Enqueue accepts one new signal from the journal. With auto-execute off
// the signal parks as pending and the notify hook is told; otherwise it
// goes straight to execution.
func (m *Machine) Enqueue(sig core.Signal) {
	if m.cfg.AutoExecute {
		m.ExecuteNow(sig)
		return
	}

	ps := &core.PendingSignal{Signal: sig, Status: core.StatusPending}

	m.mu.Lock()
	if _, exists := m.signals[sig.SignalID]; exists {
		m.mu.Unlock()
		m.logger.Warn("Duplicate signal id ignored", "signal_id", sig.SignalID)
		return
	}
	m.signals[sig.SignalID] = ps
	snapshot := *ps
	m.updateGaugeLocked()
	m.mu.Unlock()

	m.logger.Info("Signal awaiting verdict",
		"signal_id", sig.SignalID,
		"kind", string(sig.Kind),
		"symbol", sig.Symbol,
		"account", sig.AccountID,
		"volume", sig.VolumeLots.String())
	m.emit(EventPending, snapshot)
}

// ExecuteNow bypasses the pending state and submits immediately. Used when
// auto-execute is configured.
func (m *Machine) ExecuteNow(sig core.Signal) {
	ps := &core.PendingSignal{
		Signal:    sig,
		Status:    core.StatusApproved,
		VerdictBy: "auto",
		VerdictAt: time.Now(),
	}

	m.mu.Lock()
	m.signals[sig.SignalID] = ps
	m.updateGaugeLocked()
	m.mu.Unlock()

	m.logger.Info("Signal auto-approved", "signal_id", sig.SignalID)
	m.submitExecution(sig)
}

// Verdict applies one operator decision. Only pending signals accept
// verdicts; later decisions on the same signal are logged no-ops, so an
// approve can never be undone into a reject.
func (m *Machine) Verdict(signalID string, decision Decision, by string, overrides *Overrides) error {
	m.mu.Lock()
	ps, ok := m.signals[signalID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown signal %q", signalID)
	}
	if ps.Status != core.StatusPending {
		status := ps.Status
		m.mu.Unlock()
		m.logger.Warn("Verdict on settled signal ignored",
			"signal_id", signalID, "status", string(status), "decision", string(decision))
		return nil
	}

	switch decision {
	case DecisionModify:
		applyOverrides(ps, overrides)
		ps.VerdictBy = by
		ps.VerdictAt = time.Now()
		snapshot := *ps
		m.mu.Unlock()

		m.logger.Info("Signal modified, still pending", "signal_id", signalID, "by", by)
		m.emit(EventModified, snapshot)
		return nil

	case DecisionReject:
		ps.Status = core.StatusRejected
		ps.VerdictBy = by
		ps.VerdictAt = time.Now()
		snapshot := *ps
		m.updateGaugeLocked()
		m.mu.Unlock()

		m.logger.Info("Signal rejected", "signal_id", signalID, "by", by)
		m.emit(EventRejected, snapshot)
		return nil

	case DecisionApprove:
		applyOverrides(ps, overrides)
		ps.Status = core.StatusApproved
		ps.VerdictBy = by
		ps.VerdictAt = time.Now()
		snapshot := *ps
		m.updateGaugeLocked()
		m.mu.Unlock()

		m.logger.Info("Signal approved", "signal_id", signalID, "by", by)
		m.emit(EventApproved, snapshot)
		m.submitExecution(snapshot.Signal)
		return nil

	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// Get returns a copy of one tracked signal.
func (m *Machine) Get(signalID string) (core.PendingSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.signals[signalID]
	if !ok {
		return core.PendingSignal{}, false
	}
	return *ps, true
}

// Pending lists signals still awaiting a verdict, oldest first.
func (m *Machine) Pending() []core.PendingSignal {
	m.mu.Lock()
	out := make([]core.PendingSignal, 0, len(m.signals))
	for _, ps := range m.signals {
		if ps.Status == core.StatusPending {
			out = append(out, *ps)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// PendingCount returns the number of signals awaiting a verdict.
func (m *Machine) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCountLocked()
}

func (m *Machine) pendingCountLocked() int {
	n := 0
	for _, ps := range m.signals {
		if ps.Status == core.StatusPending {
			n++
		}
	}
	return n
}

func (m *Machine) updateGaugeLocked() {
	telemetry.GetGlobalMetrics().SetSignalsPending(int64(m.pendingCountLocked()))
}

func applyOverrides(ps *core.PendingSignal, overrides *Overrides) {
	if overrides == nil {
		return
	}
	if overrides.VolumeLots != nil {
		ps.VolumeLots = *overrides.VolumeLots
	}
	if overrides.StopLoss != nil {
		ps.StopLoss = *overrides.StopLoss
	}
	if overrides.TakeProfit != nil {
		ps.TakeProfit = *overrides.TakeProfit
	}
}

func (m *Machine) emit(event string, snapshot core.PendingSignal) {
	if m.deps.Notify != nil {
		m.deps.Notify(event, snapshot)
	}
}

func (m *Machine) submitExecution(sig core.Signal) {
	err := m.pool.Submit(func() { m.execute(sig) })
	if err != nil {
		m.settle(sig.SignalID, 0, err)
	}
}

func (m *Machine) execute(sig core.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	res, err := m.performOrder(ctx, sig)
	if err != nil {
		m.settle(sig.SignalID, 0, err)
		return
	}
	m.settle(sig.SignalID, res.Ticket, nil)
}

func (m *Machine) performOrder(ctx context.Context, sig core.Signal) (*core.OrderResult, error) {
	if m.deps.Connected != nil && !m.deps.Connected() {
		return nil, apperrors.ErrNotConnected
	}

	req, err := m.buildRequest(ctx, sig)
	if err != nil {
		return nil, err
	}

	switch sig.Kind {
	case core.KindClose:
		return m.deps.Orders.CloseOrder(ctx, req)
	case core.KindModify:
		return m.deps.Orders.ModifyOrder(ctx, req)
	default:
		return m.deps.Orders.PlaceOrder(ctx, req)
	}
}

// buildRequest normalizes the signal into a broker request. Market orders
// without an explicit price take the current cached quote, ask for buys and
// bid for sells, falling back to a live symbol query.
func (m *Machine) buildRequest(ctx context.Context, sig core.Signal) (core.OrderRequest, error) {
	req := core.OrderRequest{
		AccountID:  sig.AccountID,
		Symbol:     sig.Symbol,
		Side:       sig.Kind.Side(),
		VolumeLots: sig.VolumeLots,
		Price:      sig.Price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Ticket:     sig.Ticket,
		Comment:    sig.Comment,
	}

	marketKind := sig.Kind == core.KindBuy || sig.Kind == core.KindSell
	if marketKind && req.Price.IsZero() {
		price, err := m.marketPrice(ctx, sig.Symbol, req.Side)
		if err != nil {
			return req, err
		}
		req.Price = price
	}
	return req, nil
}

func (m *Machine) marketPrice(ctx context.Context, symbol string, side core.TradeSide) (decimal.Decimal, error) {
	if m.deps.Quotes != nil {
		if q, ok := m.deps.Quotes.LatestQuote(symbol); ok {
			if side == core.SideSell {
				return q.Bid, nil
			}
			return q.Ask, nil
		}
	}
	if m.deps.SymbolInfo != nil {
		info, err := m.deps.SymbolInfo(ctx, symbol)
		if err == nil && info != nil {
			if side == core.SideSell {
				return info.Bid, nil
			}
			return info.Ask, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no price for %s", apperrors.ErrSymbolUnavailable, symbol)
}

// settle records the execution outcome. Failures surface as failed with
// the broker error preserved; they are never reported as success.
func (m *Machine) settle(signalID string, ticket int64, execErr error) {
	m.mu.Lock()
	ps, ok := m.signals[signalID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if execErr != nil {
		ps.Status = core.StatusFailed
		ps.LastError = execErr.Error()
	} else {
		ps.Status = core.StatusExecuted
		ps.ExecutedTicket = ticket
	}
	snapshot := *ps
	m.updateGaugeLocked()
	m.mu.Unlock()

	if execErr != nil {
		m.logger.Error("Signal execution failed", "signal_id", signalID, "error", execErr)
		m.emit(EventFailed, snapshot)
		return
	}
	m.logger.Info("Signal executed", "signal_id", signalID, "ticket", ticket)
	m.emit(EventExecuted, snapshot)
}

func (m *Machine) janitor(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(time.Now()); n > 0 {
				m.logger.Debug("Retention sweep evicted settled signals", "count", n)
			}
		}
	}
}

// sweep drops settled signals older than the retention window. Signals
// still pending a verdict are never evicted.
func (m *Machine) sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ps := range m.signals {
		if ps.Status.Terminal() && !ps.VerdictAt.IsZero() && ps.VerdictAt.Before(cutoff) {
			delete(m.signals, id)
			removed++
		}
	}
	return removed
}
