package stream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"mtbridge/internal/core"
)

var wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "mtbridge_ws_rejected_total",
	Help: "Websocket connection attempts rejected before upgrade",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(wsRejectedTotal)
}

// ServerConfig carries the HTTP listener tunables.
type ServerConfig struct {
	Addr string
	// AllowedOrigins whitelists browser origins. Empty allows every
	// origin; "*" as an entry does the same but is logged.
	AllowedOrigins []string
	// MaxConnections caps concurrent websocket sessions.
	MaxConnections int
	// ConnRatePerIP limits connection attempts per second per client IP.
	ConnRatePerIP float64
	ConnBurstPerIP int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = "localhost:8765"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.ConnRatePerIP <= 0 {
		c.ConnRatePerIP = 10
	}
	if c.ConnBurstPerIP <= 0 {
		c.ConnBurstPerIP = int(c.ConnRatePerIP) * 2
	}
	return c
}

// Server owns the websocket listener: origin checks, per-IP connection rate
// limiting and the global connection cap all happen before the upgrade.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	logger   core.ILogger
	upgrader websocket.Upgrader

	connSemaphore chan struct{}
	ipLimiters    sync.Map // remote IP -> *rate.Limiter

	mu  sync.Mutex
	srv *http.Server
}

// NewServer builds the listener around an existing hub.
func NewServer(cfg ServerConfig, hub *Hub, logger core.ILogger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:           cfg,
		hub:           hub,
		logger:        logger.WithField("component", "stream_server"),
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP handler serving the websocket endpoint, for
// callers that mount the gateway on their own listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves websocket upgrades on /ws until the context is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
	s.mu.Unlock()

	s.logger.Info("Streaming server listening", "addr", s.cfg.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop drains the HTTP listener. Connected clients are closed through the
// hub's Shutdown, not here.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping streaming server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		s.logger.Warn("Connection rate limit exceeded", "ip", ip)
		wsRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		defer func() { <-s.connSemaphore }()
	default:
		s.logger.Warn("Max connections reached", "limit", s.cfg.MaxConnections)
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(s.hub, conn)
	if err := s.hub.Register(client); err != nil {
		conn.Close()
		return
	}

	go client.writePump()
	// Holds the handler, and with it the connection slot, until the
	// session ends.
	client.readPump()
}

// checkOrigin validates the Origin header against the whitelist. An empty
// whitelist admits everyone, which suits non-browser terminal clients.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected connection with missing Origin header", "remote_addr", r.RemoteAddr)
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected connection with invalid Origin", "origin", origin, "error", err)
		wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			s.logger.Warn("Connection allowed via wildcard origin", "origin", origin)
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ConnRatePerIP), s.cfg.ConnBurstPerIP)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

// remoteIP strips the port from RemoteAddr. X-Forwarded-For is deliberately
// not consulted; the bridge fronts terminal clients, not proxies.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
