package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mtbridge/internal/core"
)

// QuoteAggregator throttles quote deliveries to at most perSecond updates
// per symbol. Excess updates are coalesced to the most recent pending value,
// which is flushed when the next admission slot opens, so the final value
// of a burst is always delivered. Symbols are throttled independently and
// each symbol's deliveries stay in arrival order. Non-quote events pass
// straight through.
//
// It wraps a subscriber handler: register agg.Offer with the dispatcher and
// point the aggregator at the real handler.
type QuoteAggregator struct {
	perSecond int
	deliver   Handler

	mu      sync.Mutex
	symbols map[string]*symbolGate
	stopped bool
}

type symbolGate struct {
	limiter *rate.Limiter
	pending *core.Event
	timer   *time.Timer
}

// NewQuoteAggregator wraps deliver with per-symbol admission control. A
// perSecond of zero or less disables throttling.
func NewQuoteAggregator(perSecond int, deliver Handler) *QuoteAggregator {
	return &QuoteAggregator{
		perSecond: perSecond,
		deliver:   deliver,
		symbols:   make(map[string]*symbolGate),
	}
}

// Offer admits, coalesces, or schedules the event.
func (qa *QuoteAggregator) Offer(ev core.Event) {
	if qa.perSecond <= 0 || ev.Code != core.CodeBidAskUpdated || ev.Quote == nil {
		qa.deliver(ev)
		return
	}
	symbol := ev.Quote.Symbol

	qa.mu.Lock()
	if qa.stopped {
		qa.mu.Unlock()
		return
	}
	gate, ok := qa.symbols[symbol]
	if !ok {
		gate = &symbolGate{limiter: rate.NewLimiter(rate.Limit(qa.perSecond), 1)}
		qa.symbols[symbol] = gate
	}

	if gate.pending == nil && gate.limiter.Allow() {
		qa.mu.Unlock()
		qa.deliver(ev)
		return
	}

	// coalesce: keep only the most recent value for the symbol
	pending := ev
	gate.pending = &pending
	if gate.timer == nil {
		delay := gate.limiter.Reserve().Delay()
		gate.timer = time.AfterFunc(delay, func() { qa.flush(symbol) })
	}
	qa.mu.Unlock()
}

func (qa *QuoteAggregator) flush(symbol string) {
	qa.mu.Lock()
	gate, ok := qa.symbols[symbol]
	if !ok || gate.pending == nil {
		if ok {
			gate.timer = nil
		}
		qa.mu.Unlock()
		return
	}
	ev := *gate.pending
	gate.pending = nil
	gate.timer = nil
	qa.mu.Unlock()

	qa.deliver(ev)
}

// Stop cancels the flush timers and delivers any pending final values.
func (qa *QuoteAggregator) Stop() {
	qa.mu.Lock()
	if qa.stopped {
		qa.mu.Unlock()
		return
	}
	qa.stopped = true

	var finals []core.Event
	for _, gate := range qa.symbols {
		if gate.timer != nil {
			gate.timer.Stop()
			gate.timer = nil
		}
		if gate.pending != nil {
			finals = append(finals, *gate.pending)
			gate.pending = nil
		}
	}
	qa.mu.Unlock()

	for _, ev := range finals {
		qa.deliver(ev)
	}
}
