// Package app wires the bridge components together and owns their startup
// and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mtbridge/internal/alert"
	"mtbridge/internal/approval"
	"mtbridge/internal/auth"
	"mtbridge/internal/config"
	"mtbridge/internal/core"
	"mtbridge/internal/dispatch"
	"mtbridge/internal/journal"
	"mtbridge/internal/manager"
	"mtbridge/internal/metricsrv"
	"mtbridge/internal/order"
	"mtbridge/internal/pump"
	"mtbridge/internal/stream"
	"mtbridge/pkg/concurrency"
)

// shutdownTimeout bounds each graceful stop during teardown.
const shutdownTimeout = 5 * time.Second

// App holds the composed bridge. Construction wires everything; Run drives
// the lifecycle.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	api        manager.API
	mock       *manager.Mock
	orders     *order.Client
	dispatcher *dispatch.Dispatcher
	aggregator *dispatch.QuoteAggregator
	gatewaySub *dispatch.Subscriber
	pump       *pump.Adapter
	pool       *concurrency.WorkerPool
	hub        *stream.Hub
	streamSrv  *stream.Server
	watcher    *journal.Watcher
	machine    *approval.Machine
	alerts     *alert.Manager
	metrics    *metricsrv.Server
}

// New composes the bridge from configuration. It does not connect or start
// anything.
func New(cfg *config.Config, logger core.ILogger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.WithField("component", "app")}

	if cfg.Manager.MockMode {
		a.mock = manager.NewMock()
		seedMockSymbols(a.mock)
		a.api = a.mock
		a.logger.Warn("Running against the in-process mock manager")
	} else {
		return nil, errors.New("native manager backend is not linked into this build; set manager.mock_mode")
	}

	a.orders = order.NewClient(order.Config{
		MaxAttempts: cfg.Orders.RetryMax,
		RetryDelay:  cfg.Orders.RetryDelayDuration(),
	}, a.api, logger)

	a.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		SubscriberMailbox: cfg.Dispatch.SubscriberMailbox,
		TradeCacheSize:    cfg.Dispatch.TradeCacheSize,
	}, logger)

	a.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "stream-snapshots",
		MaxWorkers:  8,
		MaxCapacity: 1024,
		NonBlocking: true,
	}, logger)

	verifier := auth.NewVerifier(cfg.Stream.BearerSecret.Reveal())
	a.hub = stream.NewHub(stream.Config{
		ClientMailbox: cfg.Stream.ClientMailbox,
		PingInterval:  cfg.Stream.PingIntervalDuration(),
		PongDeadline:  cfg.Stream.PongDeadlineDuration(),
	}, a.dispatcher, verifier, a.pool, logger)

	a.streamSrv = stream.NewServer(stream.ServerConfig{
		Addr:           cfg.Stream.BindAddress,
		AllowedOrigins: cfg.Stream.AllowedOrigins,
		MaxConnections: cfg.Stream.MaxConnections,
		ConnRatePerIP:  float64(cfg.Stream.ConnRatePerIP),
	}, a.hub, logger)

	// The gateway subscriber feeds the hub through the per-symbol quote
	// throttle. Trades and lifecycle codes pass straight through it.
	a.aggregator = dispatch.NewQuoteAggregator(cfg.Dispatch.MaxQuoteUpdatesPerSecond, a.hub.HandleEvent)
	a.gatewaySub = a.dispatcher.NewSubscriber("gateway", a.aggregator.Offer)
	a.dispatcher.SubscribeAllQuotes(a.gatewaySub)
	a.dispatcher.SubscribeAllTrades(a.gatewaySub)

	a.pump = pump.NewAdapter(a.api, a.dispatcher, pump.Config{
		HandoffCapacity: cfg.Pump.HandoffCapacity,
		StartupWindow:   cfg.Pump.StartupWindowDuration(),
		PingInterval:    cfg.Pump.PingIntervalDuration(),
	}, logger)

	a.alerts = alert.NewManager(logger)
	a.alerts.AddChannel(alert.NewLogChannel(logger))
	if a.cfg.Alerts.Enabled && a.cfg.Alerts.WebhookURL != "" {
		a.alerts.AddChannel(alert.NewWebhookChannel(a.cfg.Alerts.WebhookURL))
	}

	a.machine = approval.NewMachine(approval.Config{
		AutoExecute:     cfg.Signals.AutoExecute,
		Retention:       cfg.Approval.RetentionDuration(),
		ExecutorWorkers: cfg.Approval.ExecutorWorkers,
	}, approval.Deps{
		Orders: a.orders,
		Quotes: a.dispatcher,
		SymbolInfo: func(_ context.Context, symbol string) (*core.SymbolInfo, error) {
			return a.api.SymbolInfo(symbol)
		},
		Notify:    a.notifySignal,
		Connected: a.api.IsConnected,
	}, logger)

	a.watcher = journal.NewWatcher(journal.Config{
		Path:          cfg.Signals.JournalPath,
		Debounce:      cfg.Signals.DebounceDuration(),
		CheckInterval: cfg.Signals.CheckIntervalDuration(),
	}, a.machine.Enqueue, logger)

	a.metrics = metricsrv.NewServer(cfg.Telemetry.MetricsPort, metricsrv.Probes{
		Connected:    a.api.IsConnected,
		PumpState:    func() string { return a.pump.Stats().State },
		StreamCount:  a.hub.ClientCount,
		PendingCount: a.machine.PendingCount,
	}, logger)

	return a, nil
}

// Mock exposes the in-process manager backend when mock mode is active.
func (a *App) Mock() *manager.Mock {
	return a.mock
}

// Hub exposes the streaming hub, mainly for health surfaces and tests.
func (a *App) Hub() *stream.Hub {
	return a.hub
}

// Approvals exposes the signal state machine for verdict surfaces.
func (a *App) Approvals() *approval.Machine {
	return a.machine
}

// Run connects the broker and drives the bridge until a termination signal
// arrives or a component fails, then tears everything down in reverse
// order.
func (a *App) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.connect(); err != nil {
		return fmt.Errorf("manager connect: %w", err)
	}

	if err := a.pump.Start(ctx); err != nil {
		a.disconnect()
		return fmt.Errorf("pump start: %w", err)
	}

	a.machine.Start(ctx)

	if err := a.watcher.Start(ctx); err != nil {
		a.machine.Stop()
		a.pump.Stop()
		a.disconnect()
		return fmt.Errorf("journal watcher: %w", err)
	}

	if a.cfg.Telemetry.EnableMetrics {
		a.metrics.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.streamSrv.Start(gctx); err != nil {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	})

	a.logger.Info("Bridge is running",
		"stream_addr", a.cfg.Stream.BindAddress,
		"journal", a.cfg.Signals.JournalPath,
		"mock_mode", a.cfg.Manager.MockMode)

	<-gctx.Done()
	a.logger.Info("Shutting down")

	runErr := g.Wait()
	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

func (a *App) connect() error {
	if err := a.api.Connect(a.cfg.Manager.Host, a.cfg.Manager.Port); err != nil {
		return err
	}
	if err := a.api.Login(a.cfg.Manager.Login, a.cfg.Manager.Password.Reveal()); err != nil {
		a.disconnect()
		return err
	}
	a.logger.Info("Manager session established",
		"host", a.cfg.Manager.Host, "port", a.cfg.Manager.Port, "login", a.cfg.Manager.Login)
	return nil
}

func (a *App) disconnect() {
	if err := a.api.Disconnect(); err != nil {
		a.logger.Warn("Manager disconnect failed", "error", err)
	}
}

// shutdown tears components down in reverse startup order: stop ingesting
// signals, drain executions, stop the pump, close stream clients, then the
// passive layers.
func (a *App) shutdown() {
	a.watcher.Stop()
	a.machine.Stop()
	a.pump.Stop()
	a.hub.Shutdown()

	if a.cfg.Telemetry.EnableMetrics {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.metrics.Stop(stopCtx); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
		cancel()
	}

	a.dispatcher.Remove(a.gatewaySub)
	a.dispatcher.Stop()
	a.pool.Stop()
	a.alerts.Drain()
	a.disconnect()
	a.logger.Info("Bridge stopped")
}

// notifySignal fans approval lifecycle events out to the owning account's
// stream clients and, for the operator-relevant ones, to the alert
// channels.
func (a *App) notifySignal(event string, sig core.PendingSignal) {
	data := map[string]interface{}{
		"signal_id": sig.SignalID,
		"kind":      string(sig.Kind),
		"symbol":    sig.Symbol,
		"login":     sig.AccountID,
		"status":    string(sig.Status),
	}
	if !sig.VolumeLots.IsZero() {
		data["volume"] = sig.VolumeLots.String()
	}
	if sig.ExecutedTicket != 0 {
		data["executed_ticket"] = sig.ExecutedTicket
	}
	if sig.LastError != "" {
		data["error"] = sig.LastError
	}
	a.hub.Notify(sig.AccountID, stream.NewNotificationFrame(event, data))

	fields := map[string]string{
		"signal_id": sig.SignalID,
		"symbol":    sig.Symbol,
		"login":     strconv.FormatInt(sig.AccountID, 10),
	}
	switch event {
	case approval.EventPending:
		a.alerts.Alert(context.Background(), alert.Info, "Signal awaiting approval",
			fmt.Sprintf("%s %s %s lots", sig.Kind, sig.Symbol, sig.VolumeLots), fields)
	case approval.EventExecuted:
		fields["ticket"] = strconv.FormatInt(sig.ExecutedTicket, 10)
		a.alerts.Alert(context.Background(), alert.Info, "Signal executed",
			fmt.Sprintf("%s %s filled, ticket %d", sig.Kind, sig.Symbol, sig.ExecutedTicket), fields)
	case approval.EventFailed:
		a.alerts.Alert(context.Background(), alert.Error, "Signal execution failed",
			sig.LastError, fields)
	}
}

// seedMockSymbols installs baseline symbol metadata so mock-mode sessions
// can price market orders before any quote arrives.
func seedMockSymbols(m *manager.Mock) {
	for _, info := range []core.SymbolInfo{
		{Symbol: "EURUSD", Digits: 5, Bid: decimal.RequireFromString("1.10000"), Ask: decimal.RequireFromString("1.10020")},
		{Symbol: "GBPUSD", Digits: 5, Bid: decimal.RequireFromString("1.25000"), Ask: decimal.RequireFromString("1.25040")},
		{Symbol: "USDJPY", Digits: 3, Bid: decimal.RequireFromString("147.100"), Ask: decimal.RequireFromString("147.130")},
	} {
		m.SetSymbol(info)
	}
}
