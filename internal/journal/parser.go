// Package journal watches the advisor's signal journal and surfaces each
// new signal id exactly once.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mtbridge/internal/core"
)

// rawSignal is the journal wire shape. Two generations of advisor builds
// wrote different key sets; both are accepted on read: type|kind,
// login|account_id, volume|volume_lots, sl|stop_loss, tp|take_profit.
type rawSignal struct {
	SignalID   string          `json:"signal_id"`
	Kind       string          `json:"kind"`
	Type       string          `json:"type"`
	Symbol     string          `json:"symbol"`
	AccountID  int64           `json:"account_id"`
	Login      int64           `json:"login"`
	VolumeLots decimal.Decimal `json:"volume_lots"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	SL         decimal.Decimal `json:"sl"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TP         decimal.Decimal `json:"tp"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Ticket     int64           `json:"ticket"`
	Comment    string          `json:"comment"`
	Magic      int32           `json:"magic"`
}

// parseJournal decodes journal content. The advisor writes a JSON array;
// a bare object is accepted for older builds. Empty content means no
// signals.
func parseJournal(data []byte) ([]rawSignal, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var one rawSignal
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return nil, fmt.Errorf("journal object decode: %w", err)
		}
		return []rawSignal{one}, nil
	}

	var many []rawSignal
	if err := json.Unmarshal([]byte(trimmed), &many); err != nil {
		return nil, fmt.Errorf("journal array decode: %w", err)
	}
	return many, nil
}

// normalize validates one raw entry and builds the canonical Signal.
func (r rawSignal) normalize(now time.Time) (core.Signal, error) {
	if r.SignalID == "" {
		return core.Signal{}, errors.New("missing signal_id")
	}

	kindStr := r.Kind
	if kindStr == "" {
		kindStr = r.Type
	}
	if kindStr == "" {
		return core.Signal{}, errors.New("missing kind")
	}
	kind := core.SignalKind(strings.ToLower(kindStr))
	if !kind.Valid() {
		return core.Signal{}, fmt.Errorf("unknown kind %q", kindStr)
	}

	if r.Symbol == "" {
		return core.Signal{}, errors.New("missing symbol")
	}

	account := r.AccountID
	if account == 0 {
		account = r.Login
	}
	if account <= 0 {
		return core.Signal{}, errors.New("missing account_id")
	}

	volume := r.VolumeLots
	if volume.IsZero() {
		volume = r.Volume
	}
	amendsTicket := kind == core.KindClose || kind == core.KindModify
	if !amendsTicket && volume.LessThanOrEqual(decimal.Zero) {
		return core.Signal{}, errors.New("missing volume_lots")
	}
	if kind.IsPendingOrder() && r.Price.LessThanOrEqual(decimal.Zero) {
		return core.Signal{}, fmt.Errorf("%s requires a price", kind)
	}
	if amendsTicket && r.Ticket <= 0 {
		return core.Signal{}, fmt.Errorf("%s requires a ticket", kind)
	}

	sl := r.SL
	if sl.IsZero() {
		sl = r.StopLoss
	}
	tp := r.TP
	if tp.IsZero() {
		tp = r.TakeProfit
	}

	return core.Signal{
		SignalID:   r.SignalID,
		Kind:       kind,
		Symbol:     r.Symbol,
		AccountID:  account,
		VolumeLots: volume,
		Price:      r.Price,
		StopLoss:   sl,
		TakeProfit: tp,
		Ticket:     r.Ticket,
		Comment:    r.Comment,
		Magic:      r.Magic,
		ReceivedAt: now,
	}, nil
}
