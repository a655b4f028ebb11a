package plugin

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"ctpflow/models"
)

type quotePlugin struct {
	name string
	fn   func(models.Quote) (models.Quote, bool)
}

func (p *quotePlugin) Name() string                                { return p.name }
func (p *quotePlugin) OnQuote(q models.Quote) (models.Quote, bool) { return p.fn(q) }

type tradePlugin struct {
	name string
	fn   func(models.TradeEvent) (models.TradeEvent, bool)
}

func (p *tradePlugin) Name() string { return p.name }
func (p *tradePlugin) OnTradeEvent(e models.TradeEvent) (models.TradeEvent, bool) {
	return p.fn(e)
}

type stopPlugin struct {
	name string
	fn   func() error
}

func (p *stopPlugin) Name() string  { return p.name }
func (p *stopPlugin) OnStop() error { return p.fn() }

type lifecyclePlugin struct {
	name      string
	initErr   error
	initCalls int
	gotAPI    API
}

func (p *lifecyclePlugin) Name() string { return p.name }
func (p *lifecyclePlugin) OnInit(api API) error {
	p.initCalls++
	p.gotAPI = api
	return p.initErr
}

type stubAPI struct{}

func (stubAPI) GetQuote(string, time.Duration) (models.Quote, error) {
	return models.Quote{}, nil
}

func (stubAPI) GetPosition(string, time.Duration) (models.Position, error) {
	return models.Position{}, nil
}

func passQuote(q models.Quote) (models.Quote, bool) { return q, true }

func TestFilterQuoteRunsInOrder(t *testing.T) {
	c := NewChain()
	var order []string
	mk := func(name string, bump float64) *quotePlugin {
		return &quotePlugin{name: name, fn: func(q models.Quote) (models.Quote, bool) {
			order = append(order, name)
			q.LastPrice += bump
			return q, true
		}}
	}
	if err := c.Register(mk("first", 1), nil); err != nil {
		t.Fatalf("Register(first): %v", err)
	}
	if err := c.Register(mk("second", 10), nil); err != nil {
		t.Fatalf("Register(second): %v", err)
	}

	out, ok := c.FilterQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 100})
	if !ok {
		t.Fatalf("quote unexpectedly filtered")
	}
	if out.LastPrice != 111 {
		t.Errorf("LastPrice = %v, want 111", out.LastPrice)
	}
	if got := strings.Join(order, ","); got != "first,second" {
		t.Errorf("hook order = %q, want \"first,second\"", got)
	}
}

func TestFilterQuoteSkipsTradeOnlyPlugins(t *testing.T) {
	c := NewChain()
	called := false
	p := &tradePlugin{name: "trades", fn: func(e models.TradeEvent) (models.TradeEvent, bool) {
		called = true
		return e, true
	}}
	if err := c.Register(p, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, ok := c.FilterQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 3500})
	if !ok || out.LastPrice != 3500 {
		t.Fatalf("quote altered by trade-only plugin: ok=%v price=%v", ok, out.LastPrice)
	}
	if called {
		t.Errorf("trade hook ran for a quote")
	}
}

func TestFilterQuoteShortCircuits(t *testing.T) {
	c := NewChain()
	thirdCalled := false
	if err := c.Register(&quotePlugin{name: "pass", fn: passQuote}, nil); err != nil {
		t.Fatalf("Register(pass): %v", err)
	}
	if err := c.Register(&quotePlugin{name: "drop", fn: func(models.Quote) (models.Quote, bool) {
		return models.Quote{}, false
	}}, nil); err != nil {
		t.Fatalf("Register(drop): %v", err)
	}
	if err := c.Register(&quotePlugin{name: "after", fn: func(q models.Quote) (models.Quote, bool) {
		thirdCalled = true
		return q, true
	}}, nil); err != nil {
		t.Fatalf("Register(after): %v", err)
	}

	if _, ok := c.FilterQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 3500}); ok {
		t.Fatalf("quote passed, want filtered")
	}
	if thirdCalled {
		t.Errorf("plugin after the filtering one still ran")
	}
}

func TestFilterQuotePanicKeepsPriorValue(t *testing.T) {
	c := NewChain()
	if err := c.Register(&quotePlugin{name: "tag", fn: func(q models.Quote) (models.Quote, bool) {
		q.LastPrice = 42
		return q, true
	}}, nil); err != nil {
		t.Fatalf("Register(tag): %v", err)
	}
	if err := c.Register(&quotePlugin{name: "boom", fn: func(models.Quote) (models.Quote, bool) {
		panic("boom")
	}}, nil); err != nil {
		t.Fatalf("Register(boom): %v", err)
	}
	var seen float64
	if err := c.Register(&quotePlugin{name: "after", fn: func(q models.Quote) (models.Quote, bool) {
		seen = q.LastPrice
		return q, true
	}}, nil); err != nil {
		t.Fatalf("Register(after): %v", err)
	}

	out, ok := c.FilterQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 1})
	if !ok {
		t.Fatalf("quote filtered after panic, want pass-through")
	}
	if seen != 42 {
		t.Errorf("value after panicking plugin = %v, want 42", seen)
	}
	if out.LastPrice != 42 {
		t.Errorf("final LastPrice = %v, want 42", out.LastPrice)
	}
}

func TestFilterTradeFilters(t *testing.T) {
	c := NewChain()
	if err := c.Register(&tradePlugin{name: "drop-errors", fn: func(e models.TradeEvent) (models.TradeEvent, bool) {
		if e.Kind == models.MsgErrRtnOrderInsert {
			return models.TradeEvent{}, false
		}
		return e, true
	}}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := c.FilterTrade(models.TradeEvent{Kind: models.MsgErrRtnOrderInsert}); ok {
		t.Errorf("error event passed, want filtered")
	}
	ev, ok := c.FilterTrade(models.TradeEvent{Kind: models.MsgRtnTrade})
	if !ok || ev.Kind != models.MsgRtnTrade {
		t.Errorf("fill event mangled: ok=%v kind=%q", ok, ev.Kind)
	}
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	c := NewChain()
	if err := c.Register(&quotePlugin{name: "dup", fn: passQuote}, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := c.Register(&quotePlugin{name: "dup", fn: passQuote}, nil); err == nil {
		t.Fatalf("duplicate name registered")
	}
	if err := c.Register(&quotePlugin{name: "", fn: passQuote}, nil); err == nil {
		t.Fatalf("empty plugin name accepted")
	}
}

func TestRegisterRunsInit(t *testing.T) {
	c := NewChain()
	p := &lifecyclePlugin{name: "lc"}
	if err := c.Register(p, stubAPI{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", p.initCalls)
	}
	if p.gotAPI == nil {
		t.Errorf("OnInit did not receive the api")
	}
}

func TestRegisterKeepsPluginOnInitError(t *testing.T) {
	c := NewChain()
	p := &lifecyclePlugin{name: "failing", initErr: fmt.Errorf("no market open")}
	if err := c.Register(p, stubAPI{}); err != nil {
		t.Fatalf("Register returned %v, want nil despite init error", err)
	}
	names := c.Names()
	if len(names) != 1 || names[0] != "failing" {
		t.Errorf("Names() = %v, want [failing]", names)
	}
}

func TestStopAllRunsOnceInOrder(t *testing.T) {
	c := NewChain()
	var order []string
	for _, name := range []string{"a", "b"} {
		name := name
		if err := c.Register(&stopPlugin{name: name, fn: func() error {
			order = append(order, name)
			return nil
		}}, nil); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	c.StopAll()
	c.StopAll()

	if got := strings.Join(order, ","); got != "a,b" {
		t.Errorf("stop order = %q, want \"a,b\"", got)
	}
	if err := c.Register(&stopPlugin{name: "late", fn: func() error { return nil }}, nil); err == nil {
		t.Fatalf("Register succeeded on a stopped chain")
	}
}

func TestStopAllSurvivesPanickingStop(t *testing.T) {
	c := NewChain()
	secondStopped := false
	if err := c.Register(&stopPlugin{name: "boom", fn: func() error { panic("boom") }}, nil); err != nil {
		t.Fatalf("Register(boom): %v", err)
	}
	if err := c.Register(&stopPlugin{name: "ok", fn: func() error {
		secondStopped = true
		return nil
	}}, nil); err != nil {
		t.Fatalf("Register(ok): %v", err)
	}

	c.StopAll()
	if !secondStopped {
		t.Errorf("plugin after the panicking one was not stopped")
	}
}

func TestUnregister(t *testing.T) {
	c := NewChain()
	if err := c.Register(&quotePlugin{name: "keep", fn: passQuote}, nil); err != nil {
		t.Fatalf("Register(keep): %v", err)
	}
	if err := c.Register(&quotePlugin{name: "toss", fn: passQuote}, nil); err != nil {
		t.Fatalf("Register(toss): %v", err)
	}

	if !c.Unregister("toss") {
		t.Fatalf("Unregister(toss) = false")
	}
	if c.Unregister("toss") {
		t.Errorf("second Unregister(toss) = true")
	}
	names := c.Names()
	if len(names) != 1 || names[0] != "keep" {
		t.Errorf("Names() = %v, want [keep]", names)
	}
}

func TestUnregisterStopsPluginOnce(t *testing.T) {
	c := NewChain()
	stops := 0
	if err := c.Register(&stopPlugin{name: "early", fn: func() error {
		stops++
		return nil
	}}, nil); err != nil {
		t.Fatalf("Register(early): %v", err)
	}

	if !c.Unregister("early") {
		t.Fatalf("Unregister(early) = false")
	}
	if stops != 1 {
		t.Errorf("OnStop calls after unregister = %d, want 1", stops)
	}

	// Shutdown must not stop it a second time.
	c.StopAll()
	if stops != 1 {
		t.Errorf("OnStop calls after StopAll = %d, want 1", stops)
	}
}

func TestLoggingPluginCounts(t *testing.T) {
	p := NewLoggingPlugin()
	p.LogQuotes = false
	p.LogTrades = false

	for i := 0; i < 3; i++ {
		if _, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 3500}); !ok {
			t.Fatalf("logging plugin filtered a quote")
		}
	}
	if _, ok := p.OnTradeEvent(models.TradeEvent{Kind: models.MsgRtnTrade}); !ok {
		t.Fatalf("logging plugin filtered a trade event")
	}

	if p.QuotesSeen() != 3 {
		t.Errorf("QuotesSeen() = %d, want 3", p.QuotesSeen())
	}
	if p.TradesSeen() != 1 {
		t.Errorf("TradesSeen() = %d, want 1", p.TradesSeen())
	}
}

func TestRiskFilterDropsInvalidQuotes(t *testing.T) {
	p := NewRiskFilterPlugin()

	if _, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: math.NaN()}); ok {
		t.Errorf("NaN price passed the filter")
	}
	if _, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 0}); ok {
		t.Errorf("zero price passed the filter")
	}
	if _, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 3500}); !ok {
		t.Errorf("valid price filtered")
	}
	if p.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", p.Dropped())
	}
}

func TestRiskFilterPassesLargeJumps(t *testing.T) {
	p := NewRiskFilterPlugin()

	if _, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 3500}); !ok {
		t.Fatalf("first quote filtered")
	}
	// A 20% jump is logged but must still pass.
	out, ok := p.OnQuote(models.Quote{InstrumentID: "rb2510", LastPrice: 4200})
	if !ok {
		t.Fatalf("jump quote filtered, want pass with warning")
	}
	if out.LastPrice != 4200 {
		t.Errorf("LastPrice = %v, want 4200", out.LastPrice)
	}
}
