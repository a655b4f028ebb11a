package models

import "time"

// JournalKind labels a journal record with the lifecycle step it captures.
type JournalKind string

const (
	JournalOrderSubmit JournalKind = "order_submit"
	JournalOrderAccept JournalKind = "order_accept"
	JournalOrderReject JournalKind = "order_reject"
	JournalTrade       JournalKind = "trade"
)

// JournalRecord is one row of the trade journal. Every order submitted
// through the facade produces at least one record, fills produce one per
// trade return.
type JournalRecord struct {
	Kind         JournalKind
	Timestamp    time.Time
	TradingDay   string
	InstrumentID string
	ExchangeID   string
	OrderRef     string
	Direction    string
	Offset       string
	Price        float64
	Volume       int
	TradeID      string
	ErrorID      int
	ErrorMsg     string
}
