// Package manager defines the broker manager interface contract the bridge
// consumes: the API surface, the fixed binary record layouts pushed in
// pumping mode, the transaction return codes, and an in-process mock backend
// used when the native library is not loadable.
package manager

import (
	"mtbridge/internal/core"

	"github.com/shopspring/decimal"
)

// PumpCallback receives one push notification from the broker. It is
// invoked on a thread owned by the broker library: implementations must not
// block, must not take application locks, and must hand work off through a
// non-blocking offer.
type PumpCallback func(code core.PumpCode, data []byte)

// API is the subset of the broker manager interface the bridge depends on.
type API interface {
	Connect(host string, port int) error
	Login(login int64, password string) error
	Disconnect() error
	IsConnected() bool

	SymbolsAll() ([]core.SymbolInfo, error)
	SymbolInfo(symbol string) (*core.SymbolInfo, error)

	TradesAll() ([]core.Trade, error)
	TradesFor(accountID int64) ([]core.Trade, error)

	// TradeTransaction submits one transaction and returns the assigned
	// ticket, or a negative return code mapped through ErrorFromCode.
	TradeTransaction(accountID int64, info TradeTransInfo) (int64, error)

	RegisterPumpCallback(cb PumpCallback) error
	UnregisterPumpCallback() error
}

// Transaction types for TradeTransInfo.
const (
	TransOpen int32 = iota
	TransModify
	TransClose
)

// TradeTransInfo mirrors the broker's transaction request record. Volume is
// carried in hundredths of a lot, the broker wire unit.
type TradeTransInfo struct {
	Type       int32
	Cmd        int32
	Ticket     int64
	Symbol     string
	Volume     int32
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Comment    string
}
