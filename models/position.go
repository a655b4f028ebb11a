package models

import "math"

// Position aggregates the open volume for one instrument, split by direction
// and by today/history lots. A missing position is represented by the zero
// value with only InstrumentID set; absence is not an error anywhere in the
// bridge.
type Position struct {
	InstrumentID string `json:"instrument_id"`

	LongVolume   int `json:"long_volume"`
	LongToday    int `json:"long_today"`
	LongHistory  int `json:"long_history"`
	ShortVolume  int `json:"short_volume"`
	ShortToday   int `json:"short_today"`
	ShortHistory int `json:"short_history"`

	LongOpenPrice  float64 `json:"long_open_price"`
	ShortOpenPrice float64 `json:"short_open_price"`
}

// HasVolume reports whether any lots are open in either direction.
func (p Position) HasVolume() bool {
	return p.LongVolume > 0 || p.ShortVolume > 0
}

// ApplyInvestorPosition merges one position query row into the aggregate.
// The gateway returns long and short rows separately (PosiDirection '2' and
// '3'); each row replaces the matching side. The open average price is
// derived from OpenCost when the volume multiple of the instrument is known,
// otherwise it stays NaN like an unpopulated side.
func (p *Position) ApplyInvestorPosition(row *InvestorPosition, volumeMultiple int) {
	openPrice := math.NaN()
	if row.Position > 0 && volumeMultiple > 0 {
		openPrice = row.OpenCost / float64(row.Position) / float64(volumeMultiple)
	}

	switch row.PosiDirection {
	case PosiDirectionLong:
		p.LongVolume = row.Position
		p.LongToday = row.TodayPosition
		p.LongHistory = row.YdPosition
		p.LongOpenPrice = openPrice
	case PosiDirectionShort:
		p.ShortVolume = row.Position
		p.ShortToday = row.TodayPosition
		p.ShortHistory = row.YdPosition
		p.ShortOpenPrice = openPrice
	}
}
