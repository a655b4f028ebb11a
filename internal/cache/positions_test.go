package cache

import (
	"math"
	"testing"

	"ctpflow/models"
)

func TestPositionStoreZeroValue(t *testing.T) {
	s := NewPositionStore()
	p := s.Get("rb2510")
	if p.InstrumentID != "rb2510" {
		t.Fatalf("zero position should carry the instrument id: %+v", p)
	}
	if p.HasVolume() {
		t.Fatalf("zero position reports volume: %+v", p)
	}
}

func TestPositionStoreMergesSides(t *testing.T) {
	s := NewPositionStore()

	long := &models.InvestorPosition{
		InstrumentID:  "rb2510",
		PosiDirection: models.PosiDirectionLong,
		Position:      5,
		TodayPosition: 2,
		YdPosition:    3,
		OpenCost:      177500,
	}
	short := &models.InvestorPosition{
		InstrumentID:  "rb2510",
		PosiDirection: models.PosiDirectionShort,
		Position:      1,
		TodayPosition: 1,
		OpenCost:      35600,
	}

	s.Apply(long, 10)
	p := s.Apply(short, 10)

	if p.LongVolume != 5 || p.LongToday != 2 || p.LongHistory != 3 {
		t.Fatalf("long side wrong: %+v", p)
	}
	if p.ShortVolume != 1 || p.ShortToday != 1 {
		t.Fatalf("short side wrong: %+v", p)
	}
	if p.LongOpenPrice != 3550 {
		t.Fatalf("long open price = %v, want 3550", p.LongOpenPrice)
	}
}

func TestPositionStoreRowReplacesOwnSideOnly(t *testing.T) {
	s := NewPositionStore()

	s.Apply(&models.InvestorPosition{
		InstrumentID:  "ag2512",
		PosiDirection: models.PosiDirectionLong,
		Position:      4,
	}, 15)
	s.Apply(&models.InvestorPosition{
		InstrumentID:  "ag2512",
		PosiDirection: models.PosiDirectionShort,
		Position:      2,
	}, 15)

	// A later long row from a fresh query replaces the long side.
	p := s.Apply(&models.InvestorPosition{
		InstrumentID:  "ag2512",
		PosiDirection: models.PosiDirectionLong,
		Position:      1,
	}, 15)

	if p.LongVolume != 1 {
		t.Fatalf("long not replaced: %+v", p)
	}
	if p.ShortVolume != 2 {
		t.Fatalf("short side disturbed by long row: %+v", p)
	}
}

func TestPositionOpenPriceUnknownMultiple(t *testing.T) {
	s := NewPositionStore()
	p := s.Apply(&models.InvestorPosition{
		InstrumentID:  "zn2509",
		PosiDirection: models.PosiDirectionLong,
		Position:      3,
		OpenCost:      99999,
	}, 0)
	if !math.IsNaN(p.LongOpenPrice) {
		t.Fatalf("open price should be NaN without a volume multiple: %v", p.LongOpenPrice)
	}
}

func TestInstrumentStore(t *testing.T) {
	s := NewInstrumentStore()
	if got := s.VolumeMultiple("rb2510"); got != 0 {
		t.Fatalf("unknown instrument multiple = %d, want 0", got)
	}

	s.Set(models.Instrument{InstrumentID: "rb2510", ExchangeID: "SHFE", VolumeMultiple: 10, PriceTick: 1})

	inst, ok := s.Get("rb2510")
	if !ok || inst.VolumeMultiple != 10 || inst.ExchangeID != "SHFE" {
		t.Fatalf("instrument not cached: %+v ok=%v", inst, ok)
	}
	if got := s.VolumeMultiple("rb2510"); got != 10 {
		t.Fatalf("multiple = %d, want 10", got)
	}
}
