package dispatch

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"mtbridge/internal/core"
	"mtbridge/pkg/telemetry"
)

// Handler consumes one delivered event. It runs on the subscriber's own
// goroutine, never on the dispatch path.
type Handler func(ev core.Event)

// Subscriber is a registered event consumer with a bounded mailbox between
// it and the dispatcher. A slow handler only ever loses its own oldest
// events; it cannot stall the dispatcher or other subscribers.
type Subscriber struct {
	name    string
	handler Handler
	logger  core.ILogger

	mailbox chan core.Event
	done    chan struct{}
	closed  int32

	lagged  int64
	handled int64
	panics  int64
}

func newSubscriber(name string, capacity int, handler Handler, logger core.ILogger) *Subscriber {
	if capacity <= 0 {
		capacity = 256
	}
	return &Subscriber{
		name:    name,
		handler: handler,
		logger:  logger,
		mailbox: make(chan core.Event, capacity),
		done:    make(chan struct{}),
	}
}

// offer places an event in the mailbox. When full, the oldest queued event
// is evicted so the newest is always accepted. Only the dispatcher's event
// worker calls this.
func (s *Subscriber) offer(ev core.Event) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	for {
		select {
		case s.mailbox <- ev:
			return
		default:
		}
		select {
		case <-s.mailbox:
			atomic.AddInt64(&s.lagged, 1)
			if m := telemetry.GetGlobalMetrics(); m.SubscriberLaggedTotal != nil {
				m.SubscriberLaggedTotal.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("subscriber", s.name)))
			}
		default:
		}
	}
}

func (s *Subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.mailbox:
			s.invoke(ev)
		}
	}
}

// invoke shields the dispatcher from handler panics: the fault is counted
// and logged, delivery to everyone else continues.
func (s *Subscriber) invoke(ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.panics, 1)
			s.logger.Error("Subscriber handler panicked",
				"subscriber", s.name, "code", ev.Code.String(), "panic", r)
		}
	}()
	s.handler(ev)
	atomic.AddInt64(&s.handled, 1)
}

func (s *Subscriber) close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.done)
	}
}

// Name returns the label the subscriber registered under.
func (s *Subscriber) Name() string { return s.name }

// Lagged returns how many events were evicted from this subscriber's
// mailbox because it fell behind.
func (s *Subscriber) Lagged() int64 { return atomic.LoadInt64(&s.lagged) }

// Handled returns how many events the handler completed.
func (s *Subscriber) Handled() int64 { return atomic.LoadInt64(&s.handled) }

// Panics returns how many handler invocations panicked.
func (s *Subscriber) Panics() int64 { return atomic.LoadInt64(&s.panics) }
