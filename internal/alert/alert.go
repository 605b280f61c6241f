// Package alert fans operator notifications out to configured channels.
// Delivery is asynchronous so the trading path never blocks on a webhook.
package alert

import (
	"context"
	"sync"
	"time"

	"mtbridge/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one notification handed to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers payloads to one destination.
type Channel interface {
	Send(ctx context.Context, payload Payload) error
	Name() string
}

// sendTimeout bounds one channel delivery.
const sendTimeout = 10 * time.Second

// Manager owns the channel list and dispatches each alert to all of them.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
	wg       sync.WaitGroup
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel added", "name", ch.Name())
}

// Alert delivers to every channel on its own goroutine with a per-channel
// timeout. It returns immediately; failures are logged, not propagated.
func (m *Manager) Alert(ctx context.Context, level Level, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		m.wg.Add(1)
		go func(c Channel) {
			defer m.wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Drain waits for in-flight deliveries. Called during shutdown.
func (m *Manager) Drain() {
	m.wg.Wait()
}
