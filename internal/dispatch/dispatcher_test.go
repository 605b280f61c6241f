package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtbridge/internal/core"
	"mtbridge/pkg/logging"
)

func quoteEvent(symbol, bid, ask string, ts int64) core.Event {
	b := decimal.RequireFromString(bid)
	a := decimal.RequireFromString(ask)
	return core.Event{
		Code: core.CodeBidAskUpdated,
		Quote: &core.Quote{
			Symbol:          symbol,
			Bid:             b,
			Ask:             a,
			Spread:          core.ComputeSpread(b, a, 5),
			BrokerTimestamp: ts,
			ReceiveTime:     time.Now(),
		},
	}
}

func tradeEvent(orderID, accountID, ts int64) core.Event {
	return core.Event{
		Code: core.CodeTradesUpdated,
		Trade: &core.Trade{
			OrderID:         orderID,
			AccountID:       accountID,
			Symbol:          "EURUSD",
			Side:            core.SideBuy,
			VolumeLots:      decimal.RequireFromString("0.10"),
			State:           core.TradeOpen,
			BrokerTimestamp: ts,
		},
	}
}

type collector struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *collector) handle(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() (core.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return core.Event{}, false
	}
	return c.events[len(c.events)-1], true
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(DefaultConfig(), logging.GetGlobalLogger())
}

func TestDispatchQuoteFanOutIsolation(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	eurA, eurB, gbp := &collector{}, &collector{}, &collector{}
	subA := d.NewSubscriber("eur-a", eurA.handle)
	subB := d.NewSubscriber("eur-b", eurB.handle)
	subC := d.NewSubscriber("gbp", gbp.handle)

	d.SubscribeQuotes("EURUSD", subA)
	d.SubscribeQuotes("EURUSD", subB)
	d.SubscribeQuotes("GBPUSD", subC)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))

	require.Eventually(t, func() bool {
		return eurA.count() == 1 && eurB.count() == 1
	}, time.Second, 5*time.Millisecond)

	ev, ok := eurA.last()
	require.True(t, ok)
	assert.Equal(t, "2", ev.Quote.Spread.String())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, gbp.count())
}

func TestSubscribeQuotesIdempotent(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	c := &collector{}
	sub := d.NewSubscriber("dup", c.handle)
	d.SubscribeQuotes("EURUSD", sub)
	d.SubscribeQuotes("EURUSD", sub)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestDeliveryOrderCodeKeyedAll(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	noop := func(core.Event) {}
	codeSub := d.NewSubscriber("code", noop)
	symSub1 := d.NewSubscriber("sym1", noop)
	symSub2 := d.NewSubscriber("sym2", noop)
	allSub := d.NewSubscriber("all", noop)

	// register out of delivery order on purpose
	d.SubscribeAllQuotes(allSub)
	d.SubscribeQuotes("EURUSD", symSub1)
	d.SubscribeCode(core.CodeBidAskUpdated, codeSub)
	d.SubscribeQuotes("EURUSD", symSub2)

	d.mu.RLock()
	got := d.collectLocked(core.CodeBidAskUpdated, d.quoteSubs["EURUSD"], d.allQuotes)
	d.mu.RUnlock()

	require.Len(t, got, 4)
	assert.Same(t, codeSub, got[0])
	assert.Same(t, symSub1, got[1])
	assert.Same(t, symSub2, got[2])
	assert.Same(t, allSub, got[3])
}

func TestDeliveryDedupAcrossGroups(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	c := &collector{}
	sub := d.NewSubscriber("everything", c.handle)
	d.SubscribeCode(core.CodeBidAskUpdated, sub)
	d.SubscribeQuotes("EURUSD", sub)
	d.SubscribeAllQuotes(sub)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestCacheUpdatedBeforeDelivery(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	sawCached := make(chan bool, 1)
	sub := d.NewSubscriber("reader", func(ev core.Event) {
		q, ok := d.LatestQuote(ev.Quote.Symbol)
		sawCached <- ok && q.BrokerTimestamp >= ev.Quote.BrokerTimestamp
	})
	d.SubscribeQuotes("EURUSD", sub)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))

	select {
	case ok := <-sawCached:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestStaleQuoteDropped(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	c := &collector{}
	sub := d.NewSubscriber("mono", c.handle)
	d.SubscribeQuotes("EURUSD", sub)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))
	d.Dispatch(quoteEvent("EURUSD", "1.0900", "1.0902", 50)) // older, dropped
	d.Dispatch(quoteEvent("EURUSD", "1.1010", "1.1012", 100)) // equal ts, accepted

	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)

	q, ok := d.LatestQuote("EURUSD")
	require.True(t, ok)
	assert.Equal(t, "1.101", q.Bid.String())
	assert.Equal(t, int64(1), d.Stats().DroppedStale)
}

func TestStaleTradeDropped(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	d.Dispatch(tradeEvent(500, 12345, 200))
	d.Dispatch(tradeEvent(500, 12345, 100))

	tr, ok := d.LatestTrade(500)
	require.True(t, ok)
	assert.Equal(t, int64(200), tr.BrokerTimestamp)
	assert.Equal(t, int64(1), d.Stats().DroppedStale)
}

func TestTradeFanOutByAccount(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	mine, theirs, all := &collector{}, &collector{}, &collector{}
	d.SubscribeTrades(12345, d.NewSubscriber("mine", mine.handle))
	d.SubscribeTrades(99999, d.NewSubscriber("theirs", theirs.handle))
	d.SubscribeAllTrades(d.NewSubscriber("all", all.handle))

	d.Dispatch(tradeEvent(700, 12345, 100))

	require.Eventually(t, func() bool {
		return mine.count() == 1 && all.count() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, theirs.count())
}

func TestTradeCacheEvictsLRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradeCacheSize = 3
	d := NewDispatcher(cfg, logging.GetGlobalLogger())
	defer d.Stop()

	for i := int64(1); i <= 4; i++ {
		d.Dispatch(tradeEvent(i, 12345, 100+i))
	}

	_, ok := d.LatestTrade(1)
	assert.False(t, ok, "oldest order should have been evicted")
	for i := int64(2); i <= 4; i++ {
		_, ok := d.LatestTrade(i)
		assert.True(t, ok, "order %d should be cached", i)
	}

	// touching order 2 protects it from the next eviction
	_, _ = d.LatestTrade(2)
	d.Dispatch(tradeEvent(5, 12345, 200))

	_, ok = d.LatestTrade(3)
	assert.False(t, ok)
	_, ok = d.LatestTrade(2)
	assert.True(t, ok)
}

func TestMailboxDropsOldestAndCountsLag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberMailbox = 4
	d := NewDispatcher(cfg, logging.GetGlobalLogger())
	defer d.Stop()

	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	c := &collector{}
	sub := d.NewSubscriber("slow", func(ev core.Event) {
		once.Do(func() { close(entered) })
		<-gate
		c.handle(ev)
	})
	d.SubscribeQuotes("EURUSD", sub)

	// park the handler on the first event, then fill the mailbox
	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 1))
	<-entered
	for i := int64(2); i <= 5; i++ {
		d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", i))
	}
	assert.Equal(t, int64(0), sub.Lagged())

	// ten more evict the ten oldest queued values
	for i := int64(6); i <= 15; i++ {
		d.Dispatch(quoteEvent("EURUSD", "1.2000", "1.2002", i))
	}
	assert.Equal(t, int64(10), sub.Lagged())
	assert.Equal(t, int64(10), d.Stats().SubscriberLag)

	close(gate)

	// the handler sees the first event plus the four newest survivors
	require.Eventually(t, func() bool { return c.count() == 5 }, time.Second, 5*time.Millisecond)
	last, ok := c.last()
	require.True(t, ok)
	assert.Equal(t, int64(15), last.Quote.BrokerTimestamp)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	healthy := &collector{}
	panicky := d.NewSubscriber("panicky", func(core.Event) { panic("boom") })
	d.SubscribeQuotes("EURUSD", panicky)
	d.SubscribeQuotes("EURUSD", d.NewSubscriber("healthy", healthy.handle))

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))
	d.Dispatch(quoteEvent("EURUSD", "1.1001", "1.1003", 101))

	require.Eventually(t, func() bool { return healthy.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return panicky.Panics() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), panicky.Handled())
	assert.Equal(t, int64(2), d.Stats().SubscriberPanics)
}

func TestUnsubscribeIsPermissive(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	c := &collector{}
	sub := d.NewSubscriber("once", c.handle)

	// never subscribed: all of these are no-ops
	d.UnsubscribeQuotes("EURUSD", sub)
	d.UnsubscribeTrades(12345, sub)
	d.UnsubscribeAllQuotes(sub)

	d.SubscribeQuotes("EURUSD", sub)
	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)

	d.UnsubscribeQuotes("EURUSD", sub)
	d.Dispatch(quoteEvent("EURUSD", "1.1001", "1.1003", 101))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestRemoveDetachesEverywhere(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	c := &collector{}
	sub := d.NewSubscriber("gone", c.handle)
	d.SubscribeQuotes("EURUSD", sub)
	d.SubscribeTrades(12345, sub)
	d.SubscribeAllQuotes(sub)
	d.SubscribeCode(core.CodePing, sub)

	d.Remove(sub)

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))
	d.Dispatch(tradeEvent(700, 12345, 100))
	d.Dispatch(core.Event{Code: core.CodePing})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, c.count())
	assert.Equal(t, 0, d.Stats().Subscribers)
}

func TestSnapshotQuotesIsACopy(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	d.Dispatch(quoteEvent("EURUSD", "1.1000", "1.1002", 100))

	snap := d.SnapshotQuotes()
	require.Len(t, snap, 1)
	snap["EURUSD"].Bid = decimal.RequireFromString("9.9999")
	delete(snap, "EURUSD")

	q, ok := d.LatestQuote("EURUSD")
	require.True(t, ok)
	assert.Equal(t, "1.1", q.Bid.String())
}

func TestOpaqueEventsReachCodeSubscribersOnly(t *testing.T) {
	d := newTestDispatcher()
	defer d.Stop()

	pings, quotes := &collector{}, &collector{}
	d.SubscribeCode(core.CodePing, d.NewSubscriber("pings", pings.handle))
	d.SubscribeAllQuotes(d.NewSubscriber("quotes", quotes.handle))

	d.Dispatch(core.Event{Code: core.CodePing})

	require.Eventually(t, func() bool { return pings.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, quotes.count())

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.DispatchedOther)
}
