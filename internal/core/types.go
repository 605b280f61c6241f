// Package core defines the shared domain types and interfaces for the bridge.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide identifies the direction of a broker order.
type TradeSide int32

const (
	SideBuy TradeSide = iota
	SideSell
	SideBuyLimit
	SideSellLimit
	SideBuyStop
	SideSellStop
	SideBalance
	SideCredit
)

func (s TradeSide) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	case SideBuyLimit:
		return "buy_limit"
	case SideSellLimit:
		return "sell_limit"
	case SideBuyStop:
		return "buy_stop"
	case SideSellStop:
		return "sell_stop"
	case SideBalance:
		return "balance"
	case SideCredit:
		return "credit"
	default:
		return "unknown"
	}
}

// IsPending reports whether the side is a pending-order type that requires
// an explicit price.
func (s TradeSide) IsPending() bool {
	switch s {
	case SideBuyLimit, SideSellLimit, SideBuyStop, SideSellStop:
		return true
	}
	return false
}

// TradeState is the lifecycle state of a broker trade record.
type TradeState int32

const (
	TradeOpen TradeState = iota
	TradeClosed
	TradePartiallyClosed
	TradeDeleted
	TradeUnknown
)

func (s TradeState) String() string {
	switch s {
	case TradeOpen:
		return "open"
	case TradeClosed:
		return "closed"
	case TradePartiallyClosed:
		return "partially_closed"
	case TradeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Quote is a best bid/ask observation for a symbol. Quotes are immutable
// once constructed.
type Quote struct {
	Symbol          string
	Bid             decimal.Decimal
	Ask             decimal.Decimal
	Spread          decimal.Decimal
	BrokerTimestamp int64
	ReceiveTime     time.Time
}

// Trade mirrors one broker trade record.
type Trade struct {
	OrderID         int64
	AccountID       int64
	Symbol          string
	Side            TradeSide
	VolumeLots      decimal.Decimal
	OpenPrice       decimal.Decimal
	ClosePrice      decimal.Decimal
	StopLoss        decimal.Decimal
	TakeProfit      decimal.Decimal
	Profit          decimal.Decimal
	State           TradeState
	BrokerTimestamp int64
}

// SymbolInfo carries per-symbol metadata from the broker. Digits drives
// spread calculation.
type SymbolInfo struct {
	Symbol string
	Digits int32
	Point  decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// SignalKind is the trade instruction carried by an advisor signal.
type SignalKind string

const (
	KindBuy       SignalKind = "buy"
	KindSell      SignalKind = "sell"
	KindBuyLimit  SignalKind = "buy_limit"
	KindSellLimit SignalKind = "sell_limit"
	KindBuyStop   SignalKind = "buy_stop"
	KindSellStop  SignalKind = "sell_stop"
	KindClose     SignalKind = "close"
	KindModify    SignalKind = "modify"
)

// Valid reports whether the kind is one the bridge understands.
func (k SignalKind) Valid() bool {
	switch k {
	case KindBuy, KindSell, KindBuyLimit, KindSellLimit,
		KindBuyStop, KindSellStop, KindClose, KindModify:
		return true
	}
	return false
}

// IsPendingOrder reports whether the kind opens a pending order and
// therefore requires a price.
func (k SignalKind) IsPendingOrder() bool {
	switch k {
	case KindBuyLimit, KindSellLimit, KindBuyStop, KindSellStop:
		return true
	}
	return false
}

// Side maps an opening signal kind onto the broker trade side.
func (k SignalKind) Side() TradeSide {
	switch k {
	case KindBuy:
		return SideBuy
	case KindSell:
		return SideSell
	case KindBuyLimit:
		return SideBuyLimit
	case KindSellLimit:
		return SideSellLimit
	case KindBuyStop:
		return SideBuyStop
	case KindSellStop:
		return SideSellStop
	default:
		return SideBuy
	}
}

// Signal is one advisor trade instruction read from the journal.
// Price, StopLoss and TakeProfit use the decimal zero value when absent.
type Signal struct {
	SignalID   string
	Kind       SignalKind
	Symbol     string
	AccountID  int64
	VolumeLots decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Ticket     int64
	Comment    string
	Magic      int32
	ReceivedAt time.Time
}

// SignalStatus is the approval lifecycle state of a pending signal.
type SignalStatus string

const (
	StatusPending  SignalStatus = "pending"
	StatusApproved SignalStatus = "approved"
	StatusRejected SignalStatus = "rejected"
	StatusExecuted SignalStatus = "executed"
	StatusFailed   SignalStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SignalStatus) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

// PendingSignal is a Signal tracked by the approval state machine.
type PendingSignal struct {
	Signal
	Status         SignalStatus
	ExecutedTicket int64
	VerdictBy      string
	VerdictAt      time.Time
	LastError      string
}

// OrderRequest is a normalized trade request handed to the order client.
type OrderRequest struct {
	AccountID  int64
	Symbol     string
	Side       TradeSide
	VolumeLots decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Ticket     int64
	Comment    string
}

// OrderResult reports one accepted broker transaction.
type OrderResult struct {
	Ticket int64
}

// hundredthsPerLot is the broker wire unit: volume travels as an integer
// count of hundredths of a lot.
var hundredthsPerLot = decimal.NewFromInt(100)

// LotsFromHundredths converts a wire volume into decimal lots.
func LotsFromHundredths(v int32) decimal.Decimal {
	return decimal.NewFromInt32(v).Div(hundredthsPerLot)
}

// HundredthsFromLots converts decimal lots into the wire volume unit.
func HundredthsFromLots(lots decimal.Decimal) int32 {
	return int32(lots.Mul(hundredthsPerLot).IntPart())
}

// ComputeSpread derives the quote spread in pips to one decimal place:
// round((ask-bid) * 10^(digits-1), 1). On a five-digit symbol a two-point
// spread reads as 0.2, a twenty-point spread as 2.0.
func ComputeSpread(bid, ask decimal.Decimal, digits int32) decimal.Decimal {
	return ask.Sub(bid).Mul(decimal.New(1, digits-1)).Round(1)
}
