// Package stream is the client-facing gateway: it terminates websocket
// sessions, enforces bearer authentication, tracks per-client symbol
// subscriptions and fans dispatcher events out as JSON text frames.
//
// Locking: hub.mu guards the clients map, the per-symbol reverse index and
// each client's session state. Frame encoding and socket writes happen
// outside it. Broadcasts never block on a slow client; a full mailbox
// disconnects its owner.
package stream

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"mtbridge/internal/core"
	"mtbridge/pkg/concurrency"
	apperrors "mtbridge/pkg/errors"
	"mtbridge/pkg/telemetry"
)

// Config carries the gateway tunables.
type Config struct {
	// ClientMailbox is the outbound frame buffer per client. A client
	// whose mailbox overflows is disconnected.
	ClientMailbox int
	// PingInterval is the control-ping cadence.
	PingInterval time.Duration
	// PongDeadline is the grace a client has to answer a ping.
	PongDeadline time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClientMailbox: 256,
		PingInterval:  20 * time.Second,
		PongDeadline:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClientMailbox <= 0 {
		c.ClientMailbox = d.ClientMailbox
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongDeadline <= 0 {
		c.PongDeadline = d.PongDeadline
	}
	return c
}

// Hub owns every connected client and routes frames to them.
type Hub struct {
	cfg      Config
	logger   core.ILogger
	quotes   core.IQuoteSource
	verifier core.IIdentityVerifier
	pool     *concurrency.WorkerPool

	mu       sync.RWMutex
	clients  map[string]*Client
	bySymbol map[string]map[string]*Client
	shutdown bool
}

// NewHub builds a hub. The quote source backs snapshots on subscribe and
// get_quotes; the pool keeps those reads off the client read goroutine.
func NewHub(cfg Config, quotes core.IQuoteSource, verifier core.IIdentityVerifier, pool *concurrency.WorkerPool, logger core.ILogger) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "stream"),
		quotes:   quotes,
		verifier: verifier,
		pool:     pool,
		clients:  make(map[string]*Client),
		bySymbol: make(map[string]map[string]*Client),
	}
}

// Register adds a freshly upgraded connection and greets it with the
// welcome frame.
func (h *Hub) Register(c *Client) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return apperrors.ErrNotRunning
	}
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	telemetry.GetGlobalMetrics().SetStreamClients(int64(n))
	h.logger.Info("Client connected", "client_id", c.ID, "total_clients", n)
	h.sendJSON(c, newWelcomeFrame(c.ID))
	return nil
}

// Disconnect detaches a client from the hub and every symbol set, then
// closes its mailbox. Safe to call repeatedly and from any goroutine.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.ID]
	if present {
		delete(h.clients, c.ID)
		for sym := range c.symbols {
			h.detachSymbolLocked(c, sym)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if present {
		telemetry.GetGlobalMetrics().SetStreamClients(int64(n))
		h.logger.Info("Client disconnected", "client_id", c.ID, "total_clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown announces the stop to every client, closes all connections and
// refuses further registrations.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[string]*Client)
	h.bySymbol = make(map[string]map[string]*Client)
	h.mu.Unlock()

	encoded, err := json.Marshal(NewNotificationFrame("shutdown", nil))
	for _, c := range targets {
		if err == nil {
			c.trySend(encoded)
		}
		c.close()
	}
	telemetry.GetGlobalMetrics().SetStreamClients(0)
	h.logger.Info("Streaming hub shut down", "clients_closed", len(targets))
}

// HandleEvent adapts the hub to the dispatcher's subscriber contract.
func (h *Hub) HandleEvent(ev core.Event) {
	switch {
	case ev.Quote != nil:
		h.BroadcastQuote(ev.Quote)
	case ev.Trade != nil:
		h.BroadcastTrade(ev.Trade)
	}
}

// BroadcastQuote fans one quote out to the subscribers of its symbol. The
// frame is encoded once for all recipients.
func (h *Hub) BroadcastQuote(q *core.Quote) {
	frame, err := json.Marshal(newQuoteFrame(q))
	if err != nil {
		return
	}

	h.mu.RLock()
	set := h.bySymbol[q.Symbol]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, frame)
}

// BroadcastTrade sends one trade to the authenticated clients whose login
// matches the trade's account.
func (h *Hub) BroadcastTrade(tr *core.Trade) {
	frame, err := json.Marshal(newTradeFrame(tr))
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, 1)
	for _, c := range h.clients {
		if c.authenticated && c.login == tr.AccountID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, frame)
}

// Notify pushes a notification to the account's authenticated clients, or
// to every authenticated client when login is zero.
func (h *Hub) Notify(login int64, frame NotificationFrame) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.authenticated {
			continue
		}
		if login != 0 && c.login != login {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, encoded)
}

// deliver pushes one encoded frame to each target. Clients that cannot
// take the frame are disconnected after the iteration completes.
func (h *Hub) deliver(targets []*Client, frame []byte) {
	var overflowed []*Client
	for _, c := range targets {
		if !c.trySend(frame) {
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		h.dropSlowClient(c)
	}
}

func (h *Hub) dropSlowClient(c *Client) {
	h.logger.Warn("Client mailbox overflow, disconnecting", "client_id", c.ID)
	telemetry.GetGlobalMetrics().CountDrop(context.Background(), "client")
	h.Disconnect(c)
}

// handleFrame dispatches one inbound client frame. Runs on the client's
// read goroutine.
func (h *Hub) handleFrame(c *Client, raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(c, msgBadFrame)
		return
	}

	switch frame.Action {
	case ActionAuth:
		h.handleAuth(c, frame.Token)
		return
	case ActionPing:
		h.sendJSON(c, PongFrame{Type: FramePong})
		return
	}

	if !h.isAuthenticated(c) {
		h.sendError(c, msgAuthRequired)
		return
	}

	switch frame.Action {
	case ActionSubscribe:
		h.handleSubscribe(c, frame.Symbols)
	case ActionUnsubscribe:
		h.handleUnsubscribe(c, frame.Symbols)
	case ActionGetQuotes:
		h.handleGetQuotes(c, frame.Symbols)
	default:
		h.sendError(c, "Unknown action: "+frame.Action)
	}
}

func (h *Hub) handleAuth(c *Client, token string) {
	login, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("Client authentication failed", "client_id", c.ID, "error", err)
		h.sendJSON(c, AuthResponseFrame{Type: FrameAuthResponse, Success: false, Message: err.Error()})
		return
	}

	h.mu.Lock()
	c.authenticated = true
	c.login = login
	h.mu.Unlock()

	h.logger.Info("Client authenticated", "client_id", c.ID, "login", login)
	h.sendJSON(c, AuthResponseFrame{Type: FrameAuthResponse, Success: true, UserLogin: login})
}

func (h *Hub) handleSubscribe(c *Client, symbols []string) {
	if len(symbols) == 0 {
		h.sendError(c, msgNoSymbols)
		return
	}

	h.mu.Lock()
	added := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, ok := c.symbols[sym]; ok {
			continue
		}
		c.symbols[sym] = struct{}{}
		set := h.bySymbol[sym]
		if set == nil {
			set = make(map[string]*Client)
			h.bySymbol[sym] = set
		}
		set[c.ID] = c
		added = append(added, sym)
	}
	all := c.subscriptionsLocked()
	h.mu.Unlock()

	h.sendJSON(c, SubscriptionUpdateFrame{
		Type:             FrameSubscriptionUpdate,
		Action:           SubscriptionSubscribed,
		Symbols:          added,
		AllSubscriptions: all,
	})
	h.snapshotTo(c, added)
}

func (h *Hub) handleUnsubscribe(c *Client, symbols []string) {
	h.mu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := c.symbols[sym]; !ok {
			continue
		}
		delete(c.symbols, sym)
		h.detachSymbolLocked(c, sym)
		removed = append(removed, sym)
	}
	all := c.subscriptionsLocked()
	h.mu.Unlock()

	h.sendJSON(c, SubscriptionUpdateFrame{
		Type:             FrameSubscriptionUpdate,
		Action:           SubscriptionUnsubscribed,
		Symbols:          removed,
		AllSubscriptions: all,
	})
}

func (h *Hub) handleGetQuotes(c *Client, symbols []string) {
	if len(symbols) == 0 {
		h.mu.RLock()
		symbols = c.subscriptionsLocked()
		h.mu.RUnlock()
	}
	h.snapshotTo(c, symbols)
}

// snapshotTo pushes cached quotes for the given symbols to one client. The
// cache reads run on the worker pool, off the client's read goroutine.
func (h *Hub) snapshotTo(c *Client, symbols []string) {
	if len(symbols) == 0 || h.quotes == nil {
		return
	}
	err := h.pool.Submit(func() {
		for _, sym := range symbols {
			q, ok := h.quotes.LatestQuote(sym)
			if !ok {
				continue
			}
			h.sendJSON(c, newQuoteFrame(q))
		}
	})
	if err != nil {
		h.logger.Warn("Snapshot task rejected", "client_id", c.ID, "error", err)
	}
}

func (h *Hub) isAuthenticated(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.authenticated
}

func (h *Hub) detachSymbolLocked(c *Client, sym string) {
	set := h.bySymbol[sym]
	if set == nil {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(h.bySymbol, sym)
	}
}

func (h *Hub) sendJSON(c *Client, frame interface{}) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Frame encode failed", "client_id", c.ID, "error", err)
		return
	}
	if !c.trySend(encoded) {
		h.dropSlowClient(c)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendJSON(c, newErrorFrame(message))
}

// subscriptionsLocked returns the client's symbol set sorted. Callers hold
// hub.mu in either mode.
func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
