package models

import (
	"errors"
	"math"
	"testing"
)

func TestDecodeKnownMessage(t *testing.T) {
	raw := []byte(`{"MsgType":"OnRtnDepthMarketData","DepthMarketData":{"InstrumentID":"rb2510","LastPrice":3541.0,"BidPrice1":3540.0,"BidVolume1":12,"AskPrice1":3542.0,"AskVolume1":7,"Volume":120045,"OpenInterest":1890213,"UpdateTime":"10:31:02","UpdateMillisec":500}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.MsgType != MsgRtnDepthMarketData {
		t.Fatalf("unexpected msg type: %s", env.MsgType)
	}
	if env.DepthMarketData == nil || env.DepthMarketData.InstrumentID != "rb2510" {
		t.Fatalf("depth payload not decoded: %+v", env.DepthMarketData)
	}

	q := QuoteFromDepth(env.DepthMarketData)
	if q.LastPrice != 3541.0 || q.BidVolume1 != 12 || q.UpdateMillisec != 500 {
		t.Fatalf("quote mapping mismatch: %+v", q)
	}
}

func TestDecodeUnrecognizedMessage(t *testing.T) {
	_, err := Decode([]byte(`{"MsgType":"OnSomethingNew"}`))
	if !errors.Is(err, ErrUnrecognizedMessage) {
		t.Fatalf("expected ErrUnrecognizedMessage, got %v", err)
	}

	_, err = Decode([]byte(`{"RspInfo":{"ErrorID":0}}`))
	if !errors.Is(err, ErrUnrecognizedMessage) {
		t.Fatalf("expected ErrUnrecognizedMessage for missing type, got %v", err)
	}
}

func TestRspInfoOK(t *testing.T) {
	var nilInfo *RspInfo
	if !nilInfo.OK() {
		t.Fatalf("nil RspInfo should count as success")
	}
	if !(&RspInfo{ErrorID: 0}).OK() {
		t.Fatalf("ErrorID 0 should count as success")
	}
	if (&RspInfo{ErrorID: 3, ErrorMsg: "not logged in"}).OK() {
		t.Fatalf("non-zero ErrorID should not count as success")
	}
}

func TestActionCTPFlags(t *testing.T) {
	cases := []struct {
		action     OrderAction
		closeToday bool
		direction  string
		offset     string
	}{
		{OpenLong, false, DirectionBuy, OffsetOpen},
		{OpenShort, false, DirectionSell, OffsetOpen},
		{CloseLong, false, DirectionSell, OffsetClose},
		{CloseLong, true, DirectionSell, OffsetCloseToday},
		{CloseShort, false, DirectionBuy, OffsetClose},
		{CloseShort, true, DirectionBuy, OffsetCloseToday},
	}
	for _, c := range cases {
		dir, off, err := c.action.CTPFlags(c.closeToday)
		if err != nil {
			t.Fatalf("%s: %v", c.action, err)
		}
		if dir != c.direction || off != c.offset {
			t.Errorf("%s closeToday=%v: got (%s,%s) want (%s,%s)",
				c.action, c.closeToday, dir, off, c.direction, c.offset)
		}
	}

	if _, _, err := OrderAction("hold").CTPFlags(false); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestOrderRequestValidate(t *testing.T) {
	ok := OrderRequest{InstrumentID: "rb2510", Action: OpenLong, Volume: 2, Price: 3500}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	bad := []OrderRequest{
		{Action: OpenLong, Volume: 1, Price: 1},
		{InstrumentID: "rb2510", Action: OpenLong, Volume: 0, Price: 1},
		{InstrumentID: "rb2510", Action: OpenLong, Volume: 1, Price: 0},
		{InstrumentID: "rb2510", Action: "maybe", Volume: 1, Price: 1},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, r)
		}
	}
}

func TestPositionApplyInvestorPosition(t *testing.T) {
	p := Position{InstrumentID: "rb2510"}

	p.ApplyInvestorPosition(&InvestorPosition{
		InstrumentID:  "rb2510",
		PosiDirection: PosiDirectionLong,
		Position:      5,
		TodayPosition: 2,
		YdPosition:    3,
		OpenCost:      177500,
	}, 10)

	if p.LongVolume != 5 || p.LongToday != 2 || p.LongHistory != 3 {
		t.Fatalf("long side not applied: %+v", p)
	}
	if math.Abs(p.LongOpenPrice-3550) > 1e-9 {
		t.Fatalf("long open price: got %v want 3550", p.LongOpenPrice)
	}
	if p.ShortVolume != 0 {
		t.Fatalf("short side should be untouched: %+v", p)
	}

	p.ApplyInvestorPosition(&InvestorPosition{
		InstrumentID:  "rb2510",
		PosiDirection: PosiDirectionShort,
		Position:      1,
		TodayPosition: 1,
		OpenCost:      0,
	}, 0)

	if p.ShortVolume != 1 || p.ShortToday != 1 {
		t.Fatalf("short side not applied: %+v", p)
	}
	if !math.IsNaN(p.ShortOpenPrice) {
		t.Fatalf("short open price should be NaN without a volume multiple, got %v", p.ShortOpenPrice)
	}
	if p.LongVolume != 5 {
		t.Fatalf("long side regressed: %+v", p)
	}
	if !p.HasVolume() {
		t.Fatalf("position with lots should report volume")
	}
}

func TestTradeEventAccessors(t *testing.T) {
	fill := TradeEvent{Kind: MsgRtnTrade, Trade: &Trade{InstrumentID: "ag2512", OrderRef: "7"}}
	if fill.InstrumentID() != "ag2512" || fill.OrderRef() != "7" {
		t.Fatalf("trade accessors: %+v", fill)
	}

	ack := TradeEvent{Kind: MsgRtnOrder, Order: &Order{InstrumentID: "cu2509", OrderRef: "8"}}
	if ack.InstrumentID() != "cu2509" || ack.OrderRef() != "8" {
		t.Fatalf("order accessors: %+v", ack)
	}

	hdr := TradeEvent{Kind: MsgRspOrderInsert, RspInfo: &RspInfo{ErrorID: 1}}
	if hdr.InstrumentID() != "" || hdr.OrderRef() != "" {
		t.Fatalf("header-only event should have empty accessors")
	}
}
