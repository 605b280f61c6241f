package manager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"mtbridge/internal/core"

	"github.com/shopspring/decimal"
)

// Record sizes in bytes. Layouts are packed, little endian, fixed by the
// broker library.
const (
	SymbolInfoRecordSize = 40
	TradeRecordSize      = 80
	TradeTransRecordSize = 88

	symbolFieldSize  = 12
	commentFieldSize = 32
)

// SymbolInfoRecord is the payload of a bid_ask_updated push.
//
//	offset size field
//	0      12   symbol, NUL padded
//	12     4    digits
//	16     8    bid
//	24     8    ask
//	32     8    time, seconds since epoch
type SymbolInfoRecord struct {
	Symbol [symbolFieldSize]byte
	Digits int32
	Bid    float64
	Ask    float64
	Time   int64
}

// TradeRecord is the payload of a trades_updated push.
//
//	offset size field
//	0      4    order
//	4      4    login
//	8      12   symbol, NUL padded
//	20     4    cmd
//	24     4    volume, hundredths of a lot
//	28     8    open price
//	36     8    close price
//	44     8    stop loss
//	52     8    take profit
//	60     8    profit
//	68     4    state
//	72     8    timestamp, seconds since epoch
type TradeRecord struct {
	Order      int32
	Login      int32
	Symbol     [symbolFieldSize]byte
	Cmd        int32
	Volume     int32
	OpenPrice  float64
	ClosePrice float64
	StopLoss   float64
	TakeProfit float64
	Profit     float64
	State      int32
	Timestamp  int64
}

// TradeTransRecord is a transaction request in its wire layout.
//
//	offset size field
//	0      4    type
//	4      4    cmd
//	8      8    ticket
//	16     12   symbol, NUL padded
//	28     4    volume, hundredths of a lot
//	32     8    price
//	40     8    stop loss
//	48     8    take profit
//	56     32   comment, NUL padded
type TradeTransRecord struct {
	Type       int32
	Cmd        int32
	Ticket     int64
	Symbol     [symbolFieldSize]byte
	Volume     int32
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Comment    [commentFieldSize]byte
}

// Wire values of the trade state field.
const (
	wireTradeOpen int32 = iota
	wireTradeClosed
	wireTradePartial
	wireTradeDeleted
)

// DecodeSymbolInfo parses one symbol info record.
func DecodeSymbolInfo(data []byte) (*SymbolInfoRecord, error) {
	if len(data) < SymbolInfoRecordSize {
		return nil, fmt.Errorf("symbol info record too short: %d bytes", len(data))
	}
	rec := &SymbolInfoRecord{}
	copy(rec.Symbol[:], data[0:12])
	rec.Digits = int32(binary.LittleEndian.Uint32(data[12:16]))
	rec.Bid = math.Float64frombits(binary.LittleEndian.Uint64(data[16:24]))
	rec.Ask = math.Float64frombits(binary.LittleEndian.Uint64(data[24:32]))
	rec.Time = int64(binary.LittleEndian.Uint64(data[32:40]))
	return rec, nil
}

// EncodeSymbolInfo renders the record in its wire layout.
func EncodeSymbolInfo(rec *SymbolInfoRecord) []byte {
	data := make([]byte, SymbolInfoRecordSize)
	copy(data[0:12], rec.Symbol[:])
	binary.LittleEndian.PutUint32(data[12:16], uint32(rec.Digits))
	binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(rec.Bid))
	binary.LittleEndian.PutUint64(data[24:32], math.Float64bits(rec.Ask))
	binary.LittleEndian.PutUint64(data[32:40], uint64(rec.Time))
	return data
}

// DecodeTradeRecord parses one trade record. An out-of-range cmd field is a
// decode error; an out-of-range state field maps to TradeUnknown instead.
func DecodeTradeRecord(data []byte) (*TradeRecord, error) {
	if len(data) < TradeRecordSize {
		return nil, fmt.Errorf("trade record too short: %d bytes", len(data))
	}
	rec := &TradeRecord{}
	rec.Order = int32(binary.LittleEndian.Uint32(data[0:4]))
	rec.Login = int32(binary.LittleEndian.Uint32(data[4:8]))
	copy(rec.Symbol[:], data[8:20])
	rec.Cmd = int32(binary.LittleEndian.Uint32(data[20:24]))
	rec.Volume = int32(binary.LittleEndian.Uint32(data[24:28]))
	rec.OpenPrice = math.Float64frombits(binary.LittleEndian.Uint64(data[28:36]))
	rec.ClosePrice = math.Float64frombits(binary.LittleEndian.Uint64(data[36:44]))
	rec.StopLoss = math.Float64frombits(binary.LittleEndian.Uint64(data[44:52]))
	rec.TakeProfit = math.Float64frombits(binary.LittleEndian.Uint64(data[52:60]))
	rec.Profit = math.Float64frombits(binary.LittleEndian.Uint64(data[60:68]))
	rec.State = int32(binary.LittleEndian.Uint32(data[68:72]))
	rec.Timestamp = int64(binary.LittleEndian.Uint64(data[72:80]))

	if rec.Cmd < int32(core.SideBuy) || rec.Cmd > int32(core.SideCredit) {
		return nil, fmt.Errorf("trade record cmd out of range: %d", rec.Cmd)
	}
	return rec, nil
}

// EncodeTradeRecord renders the record in its wire layout.
func EncodeTradeRecord(rec *TradeRecord) []byte {
	data := make([]byte, TradeRecordSize)
	binary.LittleEndian.PutUint32(data[0:4], uint32(rec.Order))
	binary.LittleEndian.PutUint32(data[4:8], uint32(rec.Login))
	copy(data[8:20], rec.Symbol[:])
	binary.LittleEndian.PutUint32(data[20:24], uint32(rec.Cmd))
	binary.LittleEndian.PutUint32(data[24:28], uint32(rec.Volume))
	binary.LittleEndian.PutUint64(data[28:36], math.Float64bits(rec.OpenPrice))
	binary.LittleEndian.PutUint64(data[36:44], math.Float64bits(rec.ClosePrice))
	binary.LittleEndian.PutUint64(data[44:52], math.Float64bits(rec.StopLoss))
	binary.LittleEndian.PutUint64(data[52:60], math.Float64bits(rec.TakeProfit))
	binary.LittleEndian.PutUint64(data[60:68], math.Float64bits(rec.Profit))
	binary.LittleEndian.PutUint32(data[68:72], uint32(rec.State))
	binary.LittleEndian.PutUint64(data[72:80], uint64(rec.Timestamp))
	return data
}

// DecodeTradeTrans parses one transaction request record. Out-of-range type
// and cmd fields are decode errors: a request the broker cannot act on must
// not be half-interpreted.
func DecodeTradeTrans(data []byte) (*TradeTransRecord, error) {
	if len(data) < TradeTransRecordSize {
		return nil, fmt.Errorf("trade trans record too short: %d bytes", len(data))
	}
	rec := &TradeTransRecord{}
	rec.Type = int32(binary.LittleEndian.Uint32(data[0:4]))
	rec.Cmd = int32(binary.LittleEndian.Uint32(data[4:8]))
	rec.Ticket = int64(binary.LittleEndian.Uint64(data[8:16]))
	copy(rec.Symbol[:], data[16:28])
	rec.Volume = int32(binary.LittleEndian.Uint32(data[28:32]))
	rec.Price = math.Float64frombits(binary.LittleEndian.Uint64(data[32:40]))
	rec.StopLoss = math.Float64frombits(binary.LittleEndian.Uint64(data[40:48]))
	rec.TakeProfit = math.Float64frombits(binary.LittleEndian.Uint64(data[48:56]))
	copy(rec.Comment[:], data[56:88])

	if rec.Type < TransOpen || rec.Type > TransClose {
		return nil, fmt.Errorf("trade trans type out of range: %d", rec.Type)
	}
	if rec.Cmd < int32(core.SideBuy) || rec.Cmd > int32(core.SideCredit) {
		return nil, fmt.Errorf("trade trans cmd out of range: %d", rec.Cmd)
	}
	return rec, nil
}

// EncodeTradeTrans renders the record in its wire layout.
func EncodeTradeTrans(rec *TradeTransRecord) []byte {
	data := make([]byte, TradeTransRecordSize)
	binary.LittleEndian.PutUint32(data[0:4], uint32(rec.Type))
	binary.LittleEndian.PutUint32(data[4:8], uint32(rec.Cmd))
	binary.LittleEndian.PutUint64(data[8:16], uint64(rec.Ticket))
	copy(data[16:28], rec.Symbol[:])
	binary.LittleEndian.PutUint32(data[28:32], uint32(rec.Volume))
	binary.LittleEndian.PutUint64(data[32:40], math.Float64bits(rec.Price))
	binary.LittleEndian.PutUint64(data[40:48], math.Float64bits(rec.StopLoss))
	binary.LittleEndian.PutUint64(data[48:56], math.Float64bits(rec.TakeProfit))
	copy(data[56:88], rec.Comment[:])
	return data
}

// trimPadded cuts a fixed-width field at its first NUL byte.
func trimPadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// trimSymbol cuts the symbol field at its first NUL byte.
func trimSymbol(b [symbolFieldSize]byte) string {
	return trimPadded(b[:])
}

// PutSymbol writes a symbol string into a NUL padded field, truncating at
// the field width.
func PutSymbol(s string) [symbolFieldSize]byte {
	var b [symbolFieldSize]byte
	copy(b[:], s)
	return b
}

func (r *SymbolInfoRecord) SymbolString() string {
	return trimSymbol(r.Symbol)
}

// ToQuote converts the record into a domain quote, deriving the spread from
// the symbol digits.
func (r *SymbolInfoRecord) ToQuote(receiveTime time.Time) *core.Quote {
	bid := decimal.NewFromFloat(r.Bid)
	ask := decimal.NewFromFloat(r.Ask)
	return &core.Quote{
		Symbol:          r.SymbolString(),
		Bid:             bid,
		Ask:             ask,
		Spread:          core.ComputeSpread(bid, ask, r.Digits),
		BrokerTimestamp: r.Time,
		ReceiveTime:     receiveTime,
	}
}

func (r *TradeRecord) SymbolString() string {
	return trimSymbol(r.Symbol)
}

// ToTrade converts the record into a domain trade. The state mapping is
// total: wire values outside the known set yield TradeUnknown.
func (r *TradeRecord) ToTrade() *core.Trade {
	var state core.TradeState
	switch r.State {
	case wireTradeOpen:
		state = core.TradeOpen
	case wireTradeClosed:
		state = core.TradeClosed
	case wireTradePartial:
		state = core.TradePartiallyClosed
	case wireTradeDeleted:
		state = core.TradeDeleted
	default:
		state = core.TradeUnknown
	}

	return &core.Trade{
		OrderID:         int64(r.Order),
		AccountID:       int64(r.Login),
		Symbol:          r.SymbolString(),
		Side:            core.TradeSide(r.Cmd),
		VolumeLots:      core.LotsFromHundredths(r.Volume),
		OpenPrice:       decimal.NewFromFloat(r.OpenPrice),
		ClosePrice:      decimal.NewFromFloat(r.ClosePrice),
		StopLoss:        decimal.NewFromFloat(r.StopLoss),
		TakeProfit:      decimal.NewFromFloat(r.TakeProfit),
		Profit:          decimal.NewFromFloat(r.Profit),
		State:           state,
		BrokerTimestamp: r.Timestamp,
	}
}

// TransRecordFromInfo renders a transaction request in its wire layout.
// Symbol and comment truncate at their field widths.
func TransRecordFromInfo(info TradeTransInfo) *TradeTransRecord {
	rec := &TradeTransRecord{
		Type:       info.Type,
		Cmd:        info.Cmd,
		Ticket:     info.Ticket,
		Symbol:     PutSymbol(info.Symbol),
		Volume:     info.Volume,
		Price:      info.Price.InexactFloat64(),
		StopLoss:   info.StopLoss.InexactFloat64(),
		TakeProfit: info.TakeProfit.InexactFloat64(),
	}
	copy(rec.Comment[:], info.Comment)
	return rec
}

// ToInfo converts a decoded request record back into the API struct.
func (r *TradeTransRecord) ToInfo() TradeTransInfo {
	return TradeTransInfo{
		Type:       r.Type,
		Cmd:        r.Cmd,
		Ticket:     r.Ticket,
		Symbol:     trimSymbol(r.Symbol),
		Volume:     r.Volume,
		Price:      decimal.NewFromFloat(r.Price),
		StopLoss:   decimal.NewFromFloat(r.StopLoss),
		TakeProfit: decimal.NewFromFloat(r.TakeProfit),
		Comment:    trimPadded(r.Comment[:]),
	}
}
