package manager

import (
	"sync"
	"time"

	"mtbridge/internal/core"
	apperrors "mtbridge/pkg/errors"
)

// TradeTransCall records one TradeTransaction invocation for assertions.
type TradeTransCall struct {
	AccountID int64
	Info      TradeTransInfo
}

// Mock implements API in process. It produces deterministic synthetic
// tickets and lets tests inject symbol metadata, push records, and queued
// transaction failures. It is the selected backend when mock_mode is on.
type Mock struct {
	mu            sync.RWMutex
	connected     bool
	loggedIn      bool
	symbols       map[string]core.SymbolInfo
	trades        map[int64]core.Trade
	ticketCounter int64
	transactions  []TradeTransCall
	transErrors   []int32

	// callbackMu serializes pump callback invocation against deregistration
	// so UnregisterPumpCallback doubles as the quiescence barrier.
	callbackMu sync.RWMutex
	callback   PumpCallback
}

// firstTicket precedes the first assigned ticket by one.
const firstTicket int64 = 554432

func NewMock() *Mock {
	return &Mock{
		symbols:       make(map[string]core.SymbolInfo),
		trades:        make(map[int64]core.Trade),
		ticketCounter: firstTicket,
	}
}

func (m *Mock) Connect(host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *Mock) Login(login int64, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return apperrors.ErrNotConnected
	}
	m.loggedIn = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.loggedIn = false
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Mock) SymbolsAll() ([]core.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, apperrors.ErrNotConnected
	}
	out := make([]core.SymbolInfo, 0, len(m.symbols))
	for _, info := range m.symbols {
		out = append(out, info)
	}
	return out, nil
}

func (m *Mock) SymbolInfo(symbol string) (*core.SymbolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, apperrors.ErrNotConnected
	}
	info, ok := m.symbols[symbol]
	if !ok {
		return nil, apperrors.ErrSymbolUnavailable
	}
	return &info, nil
}

func (m *Mock) TradesAll() ([]core.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, apperrors.ErrNotConnected
	}
	out := make([]core.Trade, 0, len(m.trades))
	for _, tr := range m.trades {
		out = append(out, tr)
	}
	return out, nil
}

func (m *Mock) TradesFor(accountID int64) ([]core.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, apperrors.ErrNotConnected
	}
	var out []core.Trade
	for _, tr := range m.trades {
		if tr.AccountID == accountID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// TradeTransaction assigns tickets sequentially. Queued failure codes are
// consumed one per call, so tests can script transient-then-success runs.
// The request crosses the same fixed wire layout as the native library, so
// recorded calls show what the broker side actually parsed.
func (m *Mock) TradeTransaction(accountID int64, info TradeTransInfo) (int64, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return 0, apperrors.ErrNotConnected
	}

	rec, err := DecodeTradeTrans(EncodeTradeTrans(TransRecordFromInfo(info)))
	if err != nil {
		m.mu.Unlock()
		return 0, apperrors.ErrInvalidParameters
	}
	info = rec.ToInfo()

	m.transactions = append(m.transactions, TradeTransCall{AccountID: accountID, Info: info})

	if len(m.transErrors) > 0 {
		code := m.transErrors[0]
		m.transErrors = m.transErrors[1:]
		m.mu.Unlock()
		return 0, ErrorFromCode(code)
	}

	var ticket int64
	switch info.Type {
	case TransModify, TransClose:
		ticket = info.Ticket
	default:
		m.ticketCounter++
		ticket = m.ticketCounter
	}

	trade := core.Trade{
		OrderID:         ticket,
		AccountID:       accountID,
		Symbol:          info.Symbol,
		Side:            core.TradeSide(info.Cmd),
		VolumeLots:      core.LotsFromHundredths(info.Volume),
		OpenPrice:       info.Price,
		StopLoss:        info.StopLoss,
		TakeProfit:      info.TakeProfit,
		State:           core.TradeOpen,
		BrokerTimestamp: time.Now().Unix(),
	}
	if info.Type == TransClose {
		trade.State = core.TradeClosed
		trade.ClosePrice = info.Price
	}
	m.trades[ticket] = trade
	m.mu.Unlock()

	m.pushTrade(trade)
	return ticket, nil
}

func (m *Mock) RegisterPumpCallback(cb PumpCallback) error {
	m.callbackMu.Lock()
	m.callback = cb
	m.callbackMu.Unlock()

	m.fire(core.CodePumpingStarted, nil)
	return nil
}

// UnregisterPumpCallback clears the callback. It blocks until in-flight
// invocations return, which is the quiescence guarantee the adapter waits
// on during shutdown.
func (m *Mock) UnregisterPumpCallback() error {
	m.fire(core.CodePumpingStopped, nil)

	m.callbackMu.Lock()
	m.callback = nil
	m.callbackMu.Unlock()
	return nil
}

// fire invokes the registered callback, if any, holding the read side of
// callbackMu for the duration of the call.
func (m *Mock) fire(code core.PumpCode, data []byte) {
	m.callbackMu.RLock()
	defer m.callbackMu.RUnlock()
	if m.callback != nil {
		m.callback(code, data)
	}
}

// Test helpers

// SetSymbol installs symbol metadata served by SymbolInfo and SymbolsAll.
func (m *Mock) SetSymbol(info core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[info.Symbol] = info
}

// QueueTransactionError scripts the next n TradeTransaction calls to fail
// with the given return code.
func (m *Mock) QueueTransactionError(code int32, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < times; i++ {
		m.transErrors = append(m.transErrors, code)
	}
}

// Transactions returns a copy of the recorded TradeTransaction calls.
func (m *Mock) Transactions() []TradeTransCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TradeTransCall, len(m.transactions))
	copy(out, m.transactions)
	return out
}

// PushQuote encodes a symbol info record and fires it through the pump
// callback the way the broker would.
func (m *Mock) PushQuote(symbol string, bid, ask float64, digits int32, timestamp int64) {
	rec := &SymbolInfoRecord{
		Symbol: PutSymbol(symbol),
		Digits: digits,
		Bid:    bid,
		Ask:    ask,
		Time:   timestamp,
	}
	m.fire(core.CodeBidAskUpdated, EncodeSymbolInfo(rec))
}

// PushTradeRecord fires an encoded trade record through the pump callback.
func (m *Mock) PushTradeRecord(rec *TradeRecord) {
	m.fire(core.CodeTradesUpdated, EncodeTradeRecord(rec))
}

// PushCode fires a bare notification such as ping.
func (m *Mock) PushCode(code core.PumpCode) {
	m.fire(code, nil)
}

// PushRaw fires an arbitrary payload, for decode failure paths.
func (m *Mock) PushRaw(code core.PumpCode, data []byte) {
	m.fire(code, data)
}

func (m *Mock) pushTrade(trade core.Trade) {
	rec := &TradeRecord{
		Order:      int32(trade.OrderID),
		Login:      int32(trade.AccountID),
		Symbol:     PutSymbol(trade.Symbol),
		Cmd:        int32(trade.Side),
		Volume:     core.HundredthsFromLots(trade.VolumeLots),
		OpenPrice:  trade.OpenPrice.InexactFloat64(),
		ClosePrice: trade.ClosePrice.InexactFloat64(),
		StopLoss:   trade.StopLoss.InexactFloat64(),
		TakeProfit: trade.TakeProfit.InexactFloat64(),
		Profit:     trade.Profit.InexactFloat64(),
		State:      int32(trade.State),
		Timestamp:  trade.BrokerTimestamp,
	}
	m.fire(core.CodeTradesUpdated, EncodeTradeRecord(rec))
}
