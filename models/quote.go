package models

// Quote is the latest level-1 market snapshot for a single instrument.
// Instances handed out by the cache are copies; a Quote is never mutated
// after it leaves the runtime loop.
type Quote struct {
	InstrumentID   string  `json:"instrument_id"`
	ExchangeID     string  `json:"exchange_id,omitempty"`
	LastPrice      float64 `json:"last_price"`
	BidPrice1      float64 `json:"bid_price1"`
	BidVolume1     int64   `json:"bid_volume1"`
	AskPrice1      float64 `json:"ask_price1"`
	AskVolume1     int64   `json:"ask_volume1"`
	Volume         int64   `json:"volume"`
	OpenInterest   float64 `json:"open_interest"`
	TradingDay     string  `json:"trading_day,omitempty"`
	UpdateTime     string  `json:"update_time"`
	UpdateMillisec int     `json:"update_millisec"`

	// Seq is assigned by the runtime loop in arrival order and is the only
	// field used to decide whether one quote supersedes another.
	Seq uint64 `json:"seq"`
}

// QuoteFromDepth maps a depth market data push onto a Quote. The sequence
// number is stamped later by the runtime loop.
func QuoteFromDepth(d *DepthMarketData) Quote {
	return Quote{
		InstrumentID:   d.InstrumentID,
		ExchangeID:     d.ExchangeID,
		LastPrice:      d.LastPrice,
		BidPrice1:      d.BidPrice1,
		BidVolume1:     d.BidVolume1,
		AskPrice1:      d.AskPrice1,
		AskVolume1:     d.AskVolume1,
		Volume:         d.Volume,
		OpenInterest:   d.OpenInterest,
		TradingDay:     d.TradingDay,
		UpdateTime:     d.UpdateTime,
		UpdateMillisec: d.UpdateMillisec,
	}
}
