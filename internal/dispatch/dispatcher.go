// Package dispatch owns the last-value caches and the subscriber indexes.
// It accepts decoded events from the pumping adapter on a single worker
// goroutine and fans them out through per-subscriber bounded mailboxes.
package dispatch

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mtbridge/internal/core"
	"mtbridge/pkg/telemetry"
)

// Config holds the dispatcher knobs.
type Config struct {
	SubscriberMailbox int
	TradeCacheSize    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberMailbox: 256,
		TradeCacheSize:    10000,
	}
}

// Stats is a point-in-time snapshot of the dispatcher counters.
type Stats struct {
	DispatchedQuotes int64
	DispatchedTrades int64
	DispatchedOther  int64
	DroppedStale     int64
	SubscriberLag    int64
	SubscriberPanics int64
	Subscribers      int
	CachedQuotes     int
	CachedTrades     int
}

// Dispatcher delivers events in a fixed order: code-keyed subscribers
// first, then symbol- or account-keyed ones, then the all-subscribers, with
// insertion order preserved inside each group. Caches are updated before
// any delivery, and per-key broker timestamps are monotonic: a strictly
// older event is dropped whole.
type Dispatcher struct {
	cfg    Config
	logger core.ILogger

	mu        sync.RWMutex
	quotes    map[string]core.Quote
	trades    *tradeCache
	codeSubs  map[core.PumpCode][]*Subscriber
	quoteSubs map[string][]*Subscriber
	tradeSubs map[int64][]*Subscriber
	allQuotes []*Subscriber
	allTrades []*Subscriber
	registry  map[*Subscriber]struct{}

	dispatchedQuotes int64 // atomics
	dispatchedTrades int64
	dispatchedOther  int64
	droppedStale     int64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(cfg Config, logger core.ILogger) *Dispatcher {
	if cfg.SubscriberMailbox <= 0 {
		cfg.SubscriberMailbox = DefaultConfig().SubscriberMailbox
	}
	if cfg.TradeCacheSize <= 0 {
		cfg.TradeCacheSize = DefaultConfig().TradeCacheSize
	}
	return &Dispatcher{
		cfg:       cfg,
		logger:    logger.WithField("component", "dispatch"),
		quotes:    make(map[string]core.Quote),
		trades:    newTradeCache(cfg.TradeCacheSize),
		codeSubs:  make(map[core.PumpCode][]*Subscriber),
		quoteSubs: make(map[string][]*Subscriber),
		tradeSubs: make(map[int64][]*Subscriber),
		registry:  make(map[*Subscriber]struct{}),
	}
}

// NewSubscriber registers a consumer and starts its mailbox goroutine. The
// subscriber receives nothing until it is attached to an index through one
// of the Subscribe methods.
func (d *Dispatcher) NewSubscriber(name string, handler Handler) *Subscriber {
	sub := newSubscriber(name, d.cfg.SubscriberMailbox, handler, d.logger)
	d.mu.Lock()
	d.registry[sub] = struct{}{}
	d.mu.Unlock()
	go sub.run()
	return sub
}

// SubscribeQuotes attaches the subscriber to one symbol. Registration is
// idempotent on the (symbol, subscriber) pair.
func (d *Dispatcher) SubscribeQuotes(symbol string, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quoteSubs[symbol] = appendIfAbsent(d.quoteSubs[symbol], sub)
}

// UnsubscribeQuotes is permissive: detaching an unknown pair is a no-op.
func (d *Dispatcher) UnsubscribeQuotes(symbol string, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quoteSubs[symbol] = remove(d.quoteSubs[symbol], sub)
	if len(d.quoteSubs[symbol]) == 0 {
		delete(d.quoteSubs, symbol)
	}
}

// SubscribeTrades attaches the subscriber to one account's trade events.
func (d *Dispatcher) SubscribeTrades(accountID int64, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tradeSubs[accountID] = appendIfAbsent(d.tradeSubs[accountID], sub)
}

func (d *Dispatcher) UnsubscribeTrades(accountID int64, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tradeSubs[accountID] = remove(d.tradeSubs[accountID], sub)
	if len(d.tradeSubs[accountID]) == 0 {
		delete(d.tradeSubs, accountID)
	}
}

// SubscribeAllQuotes attaches the subscriber to every quote event.
func (d *Dispatcher) SubscribeAllQuotes(sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allQuotes = appendIfAbsent(d.allQuotes, sub)
}

func (d *Dispatcher) UnsubscribeAllQuotes(sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allQuotes = remove(d.allQuotes, sub)
}

// SubscribeAllTrades attaches the subscriber to every trade event.
func (d *Dispatcher) SubscribeAllTrades(sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allTrades = appendIfAbsent(d.allTrades, sub)
}

func (d *Dispatcher) UnsubscribeAllTrades(sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allTrades = remove(d.allTrades, sub)
}

// SubscribeCode attaches the subscriber to a raw pump code. Code-keyed
// subscribers are delivered to first and also see quote and trade events.
func (d *Dispatcher) SubscribeCode(code core.PumpCode, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codeSubs[code] = appendIfAbsent(d.codeSubs[code], sub)
}

func (d *Dispatcher) UnsubscribeCode(code core.PumpCode, sub *Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codeSubs[code] = remove(d.codeSubs[code], sub)
	if len(d.codeSubs[code]) == 0 {
		delete(d.codeSubs, code)
	}
}

// Remove detaches the subscriber from every index and stops its mailbox
// goroutine.
func (d *Dispatcher) Remove(sub *Subscriber) {
	d.mu.Lock()
	for symbol := range d.quoteSubs {
		d.quoteSubs[symbol] = remove(d.quoteSubs[symbol], sub)
		if len(d.quoteSubs[symbol]) == 0 {
			delete(d.quoteSubs, symbol)
		}
	}
	for account := range d.tradeSubs {
		d.tradeSubs[account] = remove(d.tradeSubs[account], sub)
		if len(d.tradeSubs[account]) == 0 {
			delete(d.tradeSubs, account)
		}
	}
	for code := range d.codeSubs {
		d.codeSubs[code] = remove(d.codeSubs[code], sub)
		if len(d.codeSubs[code]) == 0 {
			delete(d.codeSubs, code)
		}
	}
	d.allQuotes = remove(d.allQuotes, sub)
	d.allTrades = remove(d.allTrades, sub)
	delete(d.registry, sub)
	d.mu.Unlock()

	sub.close()
}

// Stop closes every subscriber mailbox.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	subs := make([]*Subscriber, 0, len(d.registry))
	for sub := range d.registry {
		subs = append(subs, sub)
	}
	d.registry = make(map[*Subscriber]struct{})
	d.quoteSubs = make(map[string][]*Subscriber)
	d.tradeSubs = make(map[int64][]*Subscriber)
	d.codeSubs = make(map[core.PumpCode][]*Subscriber)
	d.allQuotes = nil
	d.allTrades = nil
	d.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	d.logger.Info("Dispatcher stopped", "subscribers_closed", len(subs))
}

// Dispatch updates the matching cache and delivers the event. It is called
// from the pump's event worker only.
func (d *Dispatcher) Dispatch(ev core.Event) {
	switch {
	case ev.Code == core.CodeBidAskUpdated && ev.Quote != nil:
		d.dispatchQuote(ev)
	case ev.Code == core.CodeTradesUpdated && ev.Trade != nil:
		d.dispatchTrade(ev)
	default:
		d.dispatchOther(ev)
	}
}

func (d *Dispatcher) dispatchQuote(ev core.Event) {
	q := ev.Quote

	d.mu.Lock()
	if cached, ok := d.quotes[q.Symbol]; ok && q.BrokerTimestamp < cached.BrokerTimestamp {
		d.mu.Unlock()
		atomic.AddInt64(&d.droppedStale, 1)
		return
	}
	d.quotes[q.Symbol] = *q
	recipients := d.collectLocked(ev.Code, d.quoteSubs[q.Symbol], d.allQuotes)
	d.mu.Unlock()

	for _, sub := range recipients {
		sub.offer(ev)
	}
	atomic.AddInt64(&d.dispatchedQuotes, 1)
	countDispatched("quote")
}

func (d *Dispatcher) dispatchTrade(ev core.Event) {
	tr := ev.Trade

	d.mu.Lock()
	if !d.trades.put(*tr) {
		d.mu.Unlock()
		atomic.AddInt64(&d.droppedStale, 1)
		return
	}
	recipients := d.collectLocked(ev.Code, d.tradeSubs[tr.AccountID], d.allTrades)
	d.mu.Unlock()

	for _, sub := range recipients {
		sub.offer(ev)
	}
	atomic.AddInt64(&d.dispatchedTrades, 1)
	countDispatched("trade")
}

func (d *Dispatcher) dispatchOther(ev core.Event) {
	d.mu.RLock()
	recipients := d.collectLocked(ev.Code, nil, nil)
	d.mu.RUnlock()

	for _, sub := range recipients {
		sub.offer(ev)
	}
	atomic.AddInt64(&d.dispatchedOther, 1)
	countDispatched("other")
}

// collectLocked snapshots the recipient list in delivery order: code-keyed,
// then keyed, then all. A subscriber present in more than one group is
// delivered to once, at its earliest position. Callers hold d.mu.
func (d *Dispatcher) collectLocked(code core.PumpCode, keyed, all []*Subscriber) []*Subscriber {
	total := len(d.codeSubs[code]) + len(keyed) + len(all)
	if total == 0 {
		return nil
	}
	out := make([]*Subscriber, 0, total)
	seen := make(map[*Subscriber]struct{}, total)
	add := func(subs []*Subscriber) {
		for _, sub := range subs {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, sub)
		}
	}
	add(d.codeSubs[code])
	add(keyed)
	add(all)
	return out
}

// LatestQuote returns a copy of the cached quote for the symbol.
func (d *Dispatcher) LatestQuote(symbol string) (*core.Quote, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.quotes[symbol]
	if !ok {
		return nil, false
	}
	return &q, true
}

// SnapshotQuotes returns a copy of the whole quote cache.
func (d *Dispatcher) SnapshotQuotes() map[string]*core.Quote {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*core.Quote, len(d.quotes))
	for symbol, q := range d.quotes {
		quote := q
		out[symbol] = &quote
	}
	return out
}

// LatestTrade returns a copy of the cached trade for the order and marks it
// recently used.
func (d *Dispatcher) LatestTrade(orderID int64) (*core.Trade, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trades.get(orderID)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	var lag, panics int64
	for sub := range d.registry {
		lag += sub.Lagged()
		panics += sub.Panics()
	}
	stats := Stats{
		SubscriberLag:    lag,
		SubscriberPanics: panics,
		Subscribers:      len(d.registry),
		CachedQuotes:     len(d.quotes),
		CachedTrades:     d.trades.len(),
	}
	d.mu.RUnlock()

	stats.DispatchedQuotes = atomic.LoadInt64(&d.dispatchedQuotes)
	stats.DispatchedTrades = atomic.LoadInt64(&d.dispatchedTrades)
	stats.DispatchedOther = atomic.LoadInt64(&d.dispatchedOther)
	stats.DroppedStale = atomic.LoadInt64(&d.droppedStale)
	return stats
}

func countDispatched(kind string) {
	if m := telemetry.GetGlobalMetrics(); m.DispatchedTotal != nil {
		m.DispatchedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func appendIfAbsent(subs []*Subscriber, sub *Subscriber) []*Subscriber {
	for _, existing := range subs {
		if existing == sub {
			return subs
		}
	}
	return append(subs, sub)
}

func remove(subs []*Subscriber, sub *Subscriber) []*Subscriber {
	for i, existing := range subs {
		if existing == sub {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// tradeCache is a timestamp-guarded LRU keyed by order id. It is not
// self-locking; the dispatcher serializes access.
type tradeCache struct {
	capacity int
	order    *list.List // front = most recently used
	items    map[int64]*list.Element
}

func newTradeCache(capacity int) *tradeCache {
	return &tradeCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// put stores the trade unless a strictly newer broker timestamp is already
// cached for the order. It reports whether the trade was accepted.
func (c *tradeCache) put(tr core.Trade) bool {
	if elem, ok := c.items[tr.OrderID]; ok {
		cached := elem.Value.(core.Trade)
		if tr.BrokerTimestamp < cached.BrokerTimestamp {
			return false
		}
		elem.Value = tr
		c.order.MoveToFront(elem)
		return true
	}

	elem := c.order.PushFront(tr)
	c.items[tr.OrderID] = elem
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(core.Trade).OrderID)
		}
	}
	return true
}

func (c *tradeCache) get(orderID int64) (*core.Trade, bool) {
	elem, ok := c.items[orderID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	tr := elem.Value.(core.Trade)
	return &tr, true
}

func (c *tradeCache) len() int {
	return c.order.Len()
}
