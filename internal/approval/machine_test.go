package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtbridge/internal/core"
	apperrors "mtbridge/pkg/errors"
	"mtbridge/pkg/logging"
)

type orderCall struct {
	method string
	req    core.OrderRequest
}

// stubOrders records every broker call and replays queued errors before
// succeeding. A non-nil gate blocks calls until released.
type stubOrders struct {
	mu     sync.Mutex
	calls  []orderCall
	errs   []error
	ticket int64
	gate   chan struct{}
}

func newStubOrders() *stubOrders {
	return &stubOrders{ticket: 554432}
}

func (s *stubOrders) do(method string, req core.OrderRequest) (*core.OrderResult, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderCall{method: method, req: req})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	s.ticket++
	return &core.OrderResult{Ticket: s.ticket}, nil
}

func (s *stubOrders) PlaceOrder(_ context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	return s.do("place", req)
}

func (s *stubOrders) ModifyOrder(_ context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	return s.do("modify", req)
}

func (s *stubOrders) CloseOrder(_ context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	return s.do("close", req)
}

func (s *stubOrders) queueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *stubOrders) snapshot() []orderCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orderCall, len(s.calls))
	copy(out, s.calls)
	return out
}

type stubQuotes struct {
	mu     sync.Mutex
	quotes map[string]*core.Quote
}

func newStubQuotes() *stubQuotes {
	return &stubQuotes{quotes: make(map[string]*core.Quote)}
}

func (s *stubQuotes) put(symbol, bid, ask string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = &core.Quote{
		Symbol: symbol,
		Bid:    decimal.RequireFromString(bid),
		Ask:    decimal.RequireFromString(ask),
	}
}

func (s *stubQuotes) LatestQuote(symbol string) (*core.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return nil, false
	}
	cp := *q
	return &cp, true
}

func (s *stubQuotes) SnapshotQuotes() map[string]*core.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*core.Quote, len(s.quotes))
	for sym, q := range s.quotes {
		cp := *q
		out[sym] = &cp
	}
	return out
}

// eventRecorder captures notify hook emissions in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string, _ core.PendingSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type machineRig struct {
	machine *Machine
	orders  *stubOrders
	quotes  *stubQuotes
	events  *eventRecorder
}

func newMachineRig(t *testing.T, cfg Config, mutate func(*Deps)) *machineRig {
	t.Helper()

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	rig := &machineRig{
		orders: newStubOrders(),
		quotes: newStubQuotes(),
		events: &eventRecorder{},
	}
	deps := Deps{
		Orders: rig.orders,
		Quotes: rig.quotes,
		Notify: rig.events.record,
	}
	if mutate != nil {
		mutate(&deps)
	}
	rig.machine = NewMachine(cfg, deps, logger)
	t.Cleanup(rig.machine.Stop)
	return rig
}

func buySignal(id string) core.Signal {
	return core.Signal{
		SignalID:   id,
		Kind:       core.KindBuy,
		Symbol:     "EURUSD",
		AccountID:  12345,
		VolumeLots: decimal.RequireFromString("0.1"),
		ReceivedAt: time.Now(),
	}
}

func waitForStatus(t *testing.T, m *Machine, id string, want core.SignalStatus) core.PendingSignal {
	t.Helper()
	require.Eventually(t, func() bool {
		ps, ok := m.Get(id)
		return ok && ps.Status == want
	}, 2*time.Second, 10*time.Millisecond, "signal %s never reached %s", id, want)
	ps, _ := m.Get(id)
	return ps
}

func TestEnqueueParksSignalPending(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	rig.machine.Enqueue(buySignal("S1"))

	ps, ok := rig.machine.Get("S1")
	require.True(t, ok)
	assert.Equal(t, core.StatusPending, ps.Status)
	assert.Equal(t, 1, rig.machine.PendingCount())
	assert.Equal(t, []string{EventPending}, rig.events.names())
	assert.Empty(t, rig.orders.snapshot())
}

func TestDuplicateEnqueueIgnored(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	rig.machine.Enqueue(buySignal("S1"))
	rig.machine.Enqueue(buySignal("S1"))

	assert.Equal(t, 1, rig.machine.PendingCount())
	assert.Equal(t, []string{EventPending}, rig.events.names())
}

func TestApproveExecutesBuyAtAsk(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	ps := waitForStatus(t, rig.machine, "S1", core.StatusExecuted)
	assert.Equal(t, int64(554433), ps.ExecutedTicket)
	assert.Equal(t, "operator", ps.VerdictBy)
	assert.Empty(t, ps.LastError)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "place", calls[0].method)
	assert.Equal(t, int64(12345), calls[0].req.AccountID)
	assert.Equal(t, "EURUSD", calls[0].req.Symbol)
	assert.Equal(t, core.SideBuy, calls[0].req.Side)
	assert.True(t, calls[0].req.VolumeLots.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, calls[0].req.Price.Equal(decimal.RequireFromString("1.10020")),
		"buy should fill at the cached ask, got %s", calls[0].req.Price)

	assert.Equal(t, []string{EventPending, EventApproved, EventExecuted}, rig.events.names())
	assert.Equal(t, 0, rig.machine.PendingCount())
}

func TestApproveExecutesSellAtBid(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	sig := buySignal("S2")
	sig.Kind = core.KindSell
	rig.machine.Enqueue(sig)
	require.NoError(t, rig.machine.Verdict("S2", DecisionApprove, "operator", nil))

	waitForStatus(t, rig.machine, "S2", core.StatusExecuted)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, core.SideSell, calls[0].req.Side)
	assert.True(t, calls[0].req.Price.Equal(decimal.RequireFromString("1.10000")),
		"sell should fill at the cached bid, got %s", calls[0].req.Price)
}

func TestPendingOrderKeepsExplicitPrice(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	sig := buySignal("S3")
	sig.Kind = core.KindBuyLimit
	sig.Price = decimal.RequireFromString("1.09500")
	rig.machine.Enqueue(sig)
	require.NoError(t, rig.machine.Verdict("S3", DecisionApprove, "operator", nil))

	waitForStatus(t, rig.machine, "S3", core.StatusExecuted)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, core.SideBuyLimit, calls[0].req.Side)
	assert.True(t, calls[0].req.Price.Equal(decimal.RequireFromString("1.09500")))
}

func TestCloseAndModifyRouteToTheirCalls(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	closeSig := buySignal("C1")
	closeSig.Kind = core.KindClose
	closeSig.Ticket = 7001
	rig.machine.Enqueue(closeSig)
	require.NoError(t, rig.machine.Verdict("C1", DecisionApprove, "operator", nil))
	waitForStatus(t, rig.machine, "C1", core.StatusExecuted)

	modifySig := buySignal("M1")
	modifySig.Kind = core.KindModify
	modifySig.Ticket = 7002
	modifySig.StopLoss = decimal.RequireFromString("1.09000")
	rig.machine.Enqueue(modifySig)
	require.NoError(t, rig.machine.Verdict("M1", DecisionApprove, "operator", nil))
	waitForStatus(t, rig.machine, "M1", core.StatusExecuted)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "close", calls[0].method)
	assert.Equal(t, int64(7001), calls[0].req.Ticket)
	assert.Equal(t, "modify", calls[1].method)
	assert.Equal(t, int64(7002), calls[1].req.Ticket)
	assert.True(t, calls[1].req.StopLoss.Equal(decimal.RequireFromString("1.09000")))
}

func TestRejectIsTerminal(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionReject, "operator", nil))

	ps, ok := rig.machine.Get("S1")
	require.True(t, ok)
	assert.Equal(t, core.StatusRejected, ps.Status)

	// A later approve is a logged no-op, not an error.
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))
	time.Sleep(50 * time.Millisecond)

	ps, _ = rig.machine.Get("S1")
	assert.Equal(t, core.StatusRejected, ps.Status)
	assert.Empty(t, rig.orders.snapshot())
	assert.Equal(t, []string{EventPending, EventRejected}, rig.events.names())
}

func TestApproveThenRejectNeverRejects(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	gate := make(chan struct{})
	rig.orders.gate = gate

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	// Execution is parked on the gate; the signal is approved, so the
	// late reject must not take.
	require.NoError(t, rig.machine.Verdict("S1", DecisionReject, "second-guesser", nil))
	ps, _ := rig.machine.Get("S1")
	assert.Equal(t, core.StatusApproved, ps.Status)

	close(gate)
	ps = waitForStatus(t, rig.machine, "S1", core.StatusExecuted)
	assert.NotEqual(t, core.StatusRejected, ps.Status)
	assert.Equal(t, "operator", ps.VerdictBy)
}

func TestModifyPatchesAndStaysPending(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	rig.machine.Enqueue(buySignal("S1"))

	volume := decimal.RequireFromString("0.25")
	stop := decimal.RequireFromString("1.09500")
	require.NoError(t, rig.machine.Verdict("S1", DecisionModify, "operator", &Overrides{
		VolumeLots: &volume,
		StopLoss:   &stop,
	}))

	ps, ok := rig.machine.Get("S1")
	require.True(t, ok)
	assert.Equal(t, core.StatusPending, ps.Status)
	assert.True(t, ps.VolumeLots.Equal(volume))
	assert.True(t, ps.StopLoss.Equal(stop))
	assert.Equal(t, 1, rig.machine.PendingCount())

	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))
	waitForStatus(t, rig.machine, "S1", core.StatusExecuted)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].req.VolumeLots.Equal(volume))
	assert.True(t, calls[0].req.StopLoss.Equal(stop))
}

func TestVerdictValidation(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.machine.Enqueue(buySignal("S1"))

	err := rig.machine.Verdict("missing", DecisionApprove, "operator", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown signal")

	err = rig.machine.Verdict("S1", Decision("shrug"), "operator", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decision")

	ps, _ := rig.machine.Get("S1")
	assert.Equal(t, core.StatusPending, ps.Status)
}

func TestExecutionFailureSurfaces(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")
	rig.orders.queueError(errors.New("trade context busy"))

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	ps := waitForStatus(t, rig.machine, "S1", core.StatusFailed)
	assert.Contains(t, ps.LastError, "trade context busy")
	assert.Zero(t, ps.ExecutedTicket)
	assert.Equal(t, []string{EventPending, EventApproved, EventFailed}, rig.events.names())
}

func TestMarketPriceFallsBackToSymbolQuery(t *testing.T) {
	var queried []string
	rig := newMachineRig(t, Config{}, func(d *Deps) {
		d.SymbolInfo = func(_ context.Context, symbol string) (*core.SymbolInfo, error) {
			queried = append(queried, symbol)
			return &core.SymbolInfo{
				Symbol: symbol,
				Bid:    decimal.RequireFromString("1.20000"),
				Ask:    decimal.RequireFromString("1.20030"),
			}, nil
		}
	})

	sig := buySignal("S1")
	sig.Symbol = "GBPUSD"
	rig.machine.Enqueue(sig)
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	waitForStatus(t, rig.machine, "S1", core.StatusExecuted)

	calls := rig.orders.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].req.Price.Equal(decimal.RequireFromString("1.20030")))
	assert.Equal(t, []string{"GBPUSD"}, queried)
}

func TestMarketPriceUnavailableFailsSignal(t *testing.T) {
	rig := newMachineRig(t, Config{}, func(d *Deps) {
		d.SymbolInfo = func(context.Context, string) (*core.SymbolInfo, error) {
			return nil, fmt.Errorf("symbol not found")
		}
	})

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	ps := waitForStatus(t, rig.machine, "S1", core.StatusFailed)
	assert.Contains(t, ps.LastError, apperrors.ErrSymbolUnavailable.Error())
	assert.Empty(t, rig.orders.snapshot())
}

func TestNotConnectedFailsWithoutBrokerCall(t *testing.T) {
	rig := newMachineRig(t, Config{}, func(d *Deps) {
		d.Connected = func() bool { return false }
	})
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	rig.machine.Enqueue(buySignal("S1"))
	require.NoError(t, rig.machine.Verdict("S1", DecisionApprove, "operator", nil))

	ps := waitForStatus(t, rig.machine, "S1", core.StatusFailed)
	assert.Contains(t, ps.LastError, apperrors.ErrNotConnected.Error())
	assert.Empty(t, rig.orders.snapshot())
}

func TestAutoExecuteBypassesApproval(t *testing.T) {
	rig := newMachineRig(t, Config{AutoExecute: true}, nil)
	rig.quotes.put("EURUSD", "1.10000", "1.10020")

	rig.machine.Enqueue(buySignal("S1"))

	ps := waitForStatus(t, rig.machine, "S1", core.StatusExecuted)
	assert.Equal(t, "auto", ps.VerdictBy)
	assert.Equal(t, int64(554433), ps.ExecutedTicket)
	assert.NotContains(t, rig.events.names(), EventPending)
	assert.Contains(t, rig.events.names(), EventExecuted)
}

func TestPendingListsOldestFirst(t *testing.T) {
	rig := newMachineRig(t, Config{}, nil)

	base := time.Now()
	for i, id := range []string{"S3", "S1", "S2"} {
		sig := buySignal(id)
		sig.ReceivedAt = base.Add(time.Duration(i) * time.Second)
		rig.machine.Enqueue(sig)
	}

	pending := rig.machine.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "S3", pending[0].SignalID)
	assert.Equal(t, "S1", pending[1].SignalID)
	assert.Equal(t, "S2", pending[2].SignalID)
}

func TestRetentionSweepEvictsSettledOnly(t *testing.T) {
	rig := newMachineRig(t, Config{Retention: time.Hour}, nil)

	rig.machine.Enqueue(buySignal("OLD"))
	require.NoError(t, rig.machine.Verdict("OLD", DecisionReject, "operator", nil))
	rig.machine.Enqueue(buySignal("FRESH"))
	require.NoError(t, rig.machine.Verdict("FRESH", DecisionReject, "operator", nil))
	rig.machine.Enqueue(buySignal("WAITING"))

	// Age the first rejection past the retention window.
	rig.machine.mu.Lock()
	rig.machine.signals["OLD"].VerdictAt = time.Now().Add(-2 * time.Hour)
	rig.machine.mu.Unlock()

	removed := rig.machine.sweep(time.Now())
	assert.Equal(t, 1, removed)

	_, ok := rig.machine.Get("OLD")
	assert.False(t, ok)
	_, ok = rig.machine.Get("FRESH")
	assert.True(t, ok)
	_, ok = rig.machine.Get("WAITING")
	assert.True(t, ok, "signals awaiting a verdict must survive sweeps")
}
