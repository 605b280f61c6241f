package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"mtbridge/internal/core"
)

// Server frame types.
const (
	FrameWelcome            = "welcome"
	FrameAuthResponse       = "auth_response"
	FrameSubscriptionUpdate = "subscription_update"
	FrameQuote              = "quote"
	FrameTrade              = "trade"
	FrameNotification       = "notification"
	FrameError              = "error"
	FramePong               = "pong"
)

// Client actions.
const (
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionGetQuotes   = "get_quotes"
	ActionPing        = "ping"
)

// subscription_update verbs.
const (
	SubscriptionSubscribed   = "subscribed"
	SubscriptionUnsubscribed = "unsubscribed"
)

// Messages the protocol pins down verbatim.
const (
	msgAuthRequired = "Authentication required"
	msgNoSymbols    = "No symbols specified"
	msgBadFrame     = "Invalid frame"
)

// ClientFrame is the single inbound frame shape; the action discriminates.
type ClientFrame struct {
	Action  string   `json:"action"`
	Token   string   `json:"token,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// WelcomeFrame greets a freshly connected client.
type WelcomeFrame struct {
	Type        string `json:"type"`
	ClientID    string `json:"client_id"`
	ServerTime  int64  `json:"server_time"`
	RequireAuth bool   `json:"require_auth"`
}

// AuthResponseFrame reports the verdict on an auth action.
type AuthResponseFrame struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	UserLogin int64  `json:"user_login,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SubscriptionUpdateFrame confirms a subscription change: the symbols the
// action affected plus the client's full set afterwards.
type SubscriptionUpdateFrame struct {
	Type             string   `json:"type"`
	Action           string   `json:"action"`
	Symbols          []string `json:"symbols"`
	AllSubscriptions []string `json:"all_subscriptions"`
}

// QuoteFrame carries one cached or live quote.
type QuoteFrame struct {
	Type       string          `json:"type"`
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Spread     decimal.Decimal `json:"spread"`
	Time       int64           `json:"time"`
	ServerTime int64           `json:"server_time"`
}

// TradeFrame carries one trade event, addressed to the trade's account.
type TradeFrame struct {
	Type       string          `json:"type"`
	Order      int64           `json:"order"`
	Login      int64           `json:"login"`
	Symbol     string          `json:"symbol"`
	Cmd        string          `json:"cmd"`
	Volume     decimal.Decimal `json:"volume"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	SL         decimal.Decimal `json:"sl"`
	TP         decimal.Decimal `json:"tp"`
	Profit     decimal.Decimal `json:"profit"`
	State      string          `json:"state"`
}

// NotificationFrame is the out-of-band channel for signals, verdicts, and
// lifecycle announcements.
type NotificationFrame struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorFrame reports a rejected action; the connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a client ping action.
type PongFrame struct {
	Type string `json:"type"`
}

func newWelcomeFrame(clientID string) WelcomeFrame {
	return WelcomeFrame{
		Type:        FrameWelcome,
		ClientID:    clientID,
		ServerTime:  time.Now().Unix(),
		RequireAuth: true,
	}
}

func newQuoteFrame(q *core.Quote) QuoteFrame {
	return QuoteFrame{
		Type:       FrameQuote,
		Symbol:     q.Symbol,
		Bid:        q.Bid,
		Ask:        q.Ask,
		Spread:     q.Spread,
		Time:       q.BrokerTimestamp,
		ServerTime: time.Now().Unix(),
	}
}

func newTradeFrame(tr *core.Trade) TradeFrame {
	return TradeFrame{
		Type:       FrameTrade,
		Order:      tr.OrderID,
		Login:      tr.AccountID,
		Symbol:     tr.Symbol,
		Cmd:        tr.Side.String(),
		Volume:     tr.VolumeLots,
		OpenPrice:  tr.OpenPrice,
		ClosePrice: tr.ClosePrice,
		SL:         tr.StopLoss,
		TP:         tr.TakeProfit,
		Profit:     tr.Profit,
		State:      tr.State.String(),
	}
}

func newErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

// NewNotificationFrame builds a notification for Notify callers outside the
// package, such as the approval machine.
func NewNotificationFrame(event string, data interface{}) NotificationFrame {
	return NotificationFrame{Type: FrameNotification, Event: event, Data: data}
}
