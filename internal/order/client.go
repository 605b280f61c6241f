// Package order submits approved trade requests to the broker manager,
// retrying transient failures with a fixed delay.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mtbridge/internal/core"
	"mtbridge/internal/manager"
	apperrors "mtbridge/pkg/errors"
	"mtbridge/pkg/telemetry"
)

// Config tunes the retry behaviour around broker transactions.
type Config struct {
	// MaxAttempts caps total calls per request, the first try included.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Client drives broker transactions through the manager API. Transient
// failures retry up to the attempt cap; parameter, permission and funds
// errors surface immediately.
type Client struct {
	cfg      Config
	api      manager.API
	logger   core.ILogger
	tracer   trace.Tracer
	pipeline failsafe.Executor[int64]
}

// NewClient builds the order client around the given manager backend.
func NewClient(cfg Config, api manager.API, logger core.ILogger) *Client {
	cfg = cfg.withDefaults()

	policy := retrypolicy.NewBuilder[int64]().
		HandleIf(func(_ int64, err error) bool {
			return err != nil && apperrors.IsTransient(err)
		}).
		WithDelay(cfg.RetryDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		Build()

	return &Client{
		cfg:      cfg,
		api:      api,
		logger:   logger.WithField("component", "order"),
		tracer:   telemetry.GetTracer("mtbridge/order"),
		pipeline: failsafe.With[int64](policy),
	}
}

// PlaceOrder opens a market or pending order.
func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	info := manager.TradeTransInfo{
		Type:       manager.TransOpen,
		Cmd:        int32(req.Side),
		Symbol:     req.Symbol,
		Volume:     core.HundredthsFromLots(req.VolumeLots),
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
	}
	return c.transact(ctx, "place", req.AccountID, info)
}

// ModifyOrder rewrites the price and protective stops of an open order.
func (c *Client) ModifyOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	info := manager.TradeTransInfo{
		Type:       manager.TransModify,
		Cmd:        int32(req.Side),
		Ticket:     req.Ticket,
		Symbol:     req.Symbol,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
	}
	return c.transact(ctx, "modify", req.AccountID, info)
}

// CloseOrder closes an open order, fully or for the given partial volume.
func (c *Client) CloseOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	info := manager.TradeTransInfo{
		Type:    manager.TransClose,
		Cmd:     int32(req.Side),
		Ticket:  req.Ticket,
		Symbol:  req.Symbol,
		Volume:  core.HundredthsFromLots(req.VolumeLots),
		Price:   req.Price,
		Comment: req.Comment,
	}
	return c.transact(ctx, "close", req.AccountID, info)
}

func (c *Client) transact(ctx context.Context, op string, accountID int64, info manager.TradeTransInfo) (*core.OrderResult, error) {
	ctx, span := c.tracer.Start(ctx, "broker.transaction", trace.WithAttributes(
		attribute.String("op", op),
		attribute.String("symbol", info.Symbol),
		attribute.Int64("account", accountID),
	))
	defer span.End()

	start := time.Now()
	attempts := 0

	ticket, err := c.pipeline.GetWithExecution(func(_ failsafe.Execution[int64]) (int64, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		attempts++
		if attempts > 1 {
			c.logger.Warn("Retrying broker transaction",
				"op", op, "account", accountID, "symbol", info.Symbol, "attempt", attempts)
		}
		return c.api.TradeTransaction(accountID, info)
	})

	c.observe(ctx, op, start, attempts, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "broker rejected the transaction")
		c.logger.Error("Broker transaction failed",
			"op", op, "account", accountID, "symbol", info.Symbol, "attempts", attempts, "error", err)
		return nil, fmt.Errorf("%s order: %w", op, err)
	}

	span.SetAttributes(attribute.Int64("ticket", ticket))
	c.logger.Info("Broker transaction accepted",
		"op", op, "account", accountID, "symbol", info.Symbol, "ticket", ticket, "attempts", attempts)
	return &core.OrderResult{Ticket: ticket}, nil
}

func (c *Client) observe(ctx context.Context, op string, start time.Time, attempts int, accepted bool) {
	mh := telemetry.GetGlobalMetrics()
	attrs := metric.WithAttributes(attribute.String("op", op))

	if mh.OrderLatency != nil {
		mh.OrderLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	}
	if attempts > 1 && mh.OrderRetriesTotal != nil {
		mh.OrderRetriesTotal.Add(ctx, int64(attempts-1), attrs)
	}
	if accepted && mh.OrdersPlacedTotal != nil {
		mh.OrdersPlacedTotal.Add(ctx, 1, attrs)
	}
}
