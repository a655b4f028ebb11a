package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctpflow/client"
	"ctpflow/config"
	"ctpflow/internal/cache"
	"ctpflow/internal/channel"
	"ctpflow/internal/correlate"
	"ctpflow/internal/eventloop"
	"ctpflow/logger"
	"ctpflow/models"
	"ctpflow/plugin"
	"ctpflow/strategy"
)

// State is the facade lifecycle position. Transitions only move forward:
// Created -> Connecting -> Ready -> Stopping -> Stopped, with failed starts
// jumping straight to Stopped.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Correlation keys. Request/response pairs are matched by these, pushes
// that answer nobody are probed with Has and dropped.
const (
	keyLoginMD = "login:md"
	keyLoginTD = "login:td"
)

func orderKey(ref string) string { return "order:" + ref }

func positionKey(instrument string) string { return "position:" + instrument }

func instrumentKey(instrument string) string { return "instrument:" + instrument }

const taskBuffer = 256

// StrategyFunc is one trading strategy body. It receives the gateway it
// trades through and returns when done; a non-nil error marks the run
// failed on its handle.
type StrategyFunc func(*Gateway) error

// Gateway is the synchronous facade over the market data and trade
// endpoints. Strategy goroutines call plain blocking methods; underneath,
// a single runtime loop owns every cache and both connections, so no user
// code ever touches shared state directly.
type Gateway struct {
	cfg   *config.Config
	chans *channel.Channels

	quotes      *cache.QuoteStore
	positions   *cache.PositionStore
	instruments *cache.InstrumentStore
	table       *correlate.Table
	plugins     *plugin.Chain
	strategies  *strategy.Registry

	router *router
	loop   *eventloop.Loop
	mdConn *client.Conn
	tdConn *client.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      State
	down       bool
	tradingDay string

	subMu      sync.Mutex
	subscribed map[string]struct{}

	orderRef refCounter

	log *logger.Log
}

// New wires a gateway against cfg. No I/O happens until Start.
func New(cfg *config.Config, chans *channel.Channels) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		chans:       chans,
		quotes:      cache.NewQuoteStore(),
		positions:   cache.NewPositionStore(),
		instruments: cache.NewInstrumentStore(),
		table:       correlate.NewTable(),
		plugins:     plugin.NewChain(),
		strategies:  strategy.NewRegistry(cfg.Strategy.MaxConcurrent),
		subscribed:  make(map[string]struct{}),
		log:         logger.GetLogger(),
	}
	g.router = newRouter(g)
	g.loop = eventloop.NewLoop(taskBuffer, chans.MD, chans.TD, g.router)

	g.mdConn = client.NewConn(client.Config{
		Name:              "md_ws",
		URL:               cfg.Gateway.MdURL,
		HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
		PingInterval:      cfg.Gateway.PingInterval,
		RequestsPerSecond: float64(cfg.Gateway.RateLimit.RequestsPerSecond),
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	}, g.mdSink, g.onConnDown("md_ws"))

	g.tdConn = client.NewConn(client.Config{
		Name:              "td_ws",
		URL:               cfg.Gateway.TdURL,
		HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
		PingInterval:      cfg.Gateway.PingInterval,
		RequestsPerSecond: float64(cfg.Gateway.RateLimit.RequestsPerSecond),
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	}, g.tdSink, g.onConnDown("td_ws"))

	return g
}

func (g *Gateway) mdSink(ctx context.Context, env *models.Envelope) bool {
	return g.chans.SendMD(ctx, env)
}

func (g *Gateway) tdSink(ctx context.Context, env *models.Envelope) bool {
	return g.chans.SendTD(ctx, env)
}

// onConnDown fires when a connection read loop dies outside of Close. The
// conservative reaction is to declare the whole runtime unavailable: half a
// bridge is worse than none, blocked callers must not hang on a socket that
// will never speak again.
func (g *Gateway) onConnDown(name string) func(error) {
	return func(err error) {
		g.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
			"conn": name,
		}).Error("gateway connection lost")
		g.markDown()
		g.table.FailAll(ErrUnavailable)
	}
}

// Start connects both endpoints and logs in on each. It blocks until the
// runtime is fully usable and hard-fails on the first timeout or login
// rejection; a failed gateway ends up Stopped, not half-connected.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateCreated {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("gateway already started (state %s)", state)
	}
	g.state = StateConnecting
	g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)
	log := g.log.WithComponent("gateway")
	log.WithFields(logger.Fields{
		"md_url": g.cfg.Gateway.MdURL,
		"td_url": g.cfg.Gateway.TdURL,
	}).Info("starting gateway")

	if err := g.loop.Start(); err != nil {
		return g.abortStart(fmt.Errorf("start event loop: %w", err))
	}
	if err := g.mdConn.Connect(g.ctx); err != nil {
		return g.abortStart(fmt.Errorf("connect market data endpoint: %w", err))
	}
	if err := g.tdConn.Connect(g.ctx); err != nil {
		return g.abortStart(fmt.Errorf("connect trade endpoint: %w", err))
	}
	if err := g.login(); err != nil {
		return g.abortStart(err)
	}

	g.mu.Lock()
	g.state = StateReady
	tradingDay := g.tradingDay
	g.mu.Unlock()

	log.WithFields(logger.Fields{
		"trading_day": tradingDay,
	}).Info("gateway ready")
	return nil
}

// login sends ReqUserLogin on both connections and waits for both answers
// inside the connect timeout. A rejection on either endpoint surfaces as a
// RejectionError.
func (g *Gateway) login() error {
	deadline := time.Now().Add(g.cfg.Timeouts.Connect)
	env := models.NewLoginEnvelope(g.cfg.Gateway.BrokerID, g.cfg.Gateway.UserID, g.cfg.Gateway.Password)

	mdPending := g.table.Register(keyLoginMD)
	tdPending := g.table.Register(keyLoginTD)

	mdFut := g.loop.Schedule(func() (any, error) { return nil, g.mdConn.Send(g.ctx, env) })
	tdFut := g.loop.Schedule(func() (any, error) { return nil, g.tdConn.Send(g.ctx, env) })
	if _, err := mdFut.Wait(time.Until(deadline)); err != nil {
		g.failLogins(err)
		return fmt.Errorf("send market data login: %w", mapSendErr(err))
	}
	if _, err := tdFut.Wait(time.Until(deadline)); err != nil {
		g.failLogins(err)
		return fmt.Errorf("send trade login: %w", mapSendErr(err))
	}

	for _, p := range []*correlate.Pending{mdPending, tdPending} {
		v, err := p.Await(time.Until(deadline))
		if err != nil {
			if errors.Is(err, correlate.ErrTimeout) {
				return fmt.Errorf("%w: no login answer on %s within %s", ErrTimeout, p.Key(), g.cfg.Timeouts.Connect)
			}
			return fmt.Errorf("login on %s: %w", p.Key(), err)
		}
		resp, _ := v.(*models.LoginResponse)
		if p == tdPending && resp != nil {
			g.orderRef.seed(resp.MaxOrderRef)
			g.mu.Lock()
			g.tradingDay = resp.TradingDay
			g.mu.Unlock()
		}
	}
	return nil
}

func (g *Gateway) failLogins(err error) {
	g.table.Fail(keyLoginMD, err)
	g.table.Fail(keyLoginTD, err)
}

// abortStart tears down whatever Start managed to bring up. The gateway
// lands in Stopped; it cannot be restarted.
func (g *Gateway) abortStart(err error) error {
	g.log.WithComponent("gateway").WithError(err).Error("gateway start failed")
	g.loop.Stop(g.cfg.Timeouts.Stop)
	g.mdConn.Close()
	g.tdConn.Close()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()
	return err
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// TradingDay returns the trading day announced by the trade endpoint at
// login, empty before Start.
func (g *Gateway) TradingDay() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tradingDay
}

func (g *Gateway) available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == StateReady && !g.down
}

func (g *Gateway) markDown() {
	g.mu.Lock()
	g.down = true
	g.mu.Unlock()
}

// GetQuote returns the latest quote for the instrument, subscribing on
// first use. A cache hit returns immediately; a miss waits for the first
// tick and fails with ErrTimeout if none arrives in time.
func (g *Gateway) GetQuote(instrumentID string, timeout time.Duration) (models.Quote, error) {
	if instrumentID == "" {
		return models.Quote{}, fmt.Errorf("instrument id is empty")
	}
	if !g.available() {
		return models.Quote{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts.Quote
	}

	if q, ok := g.quotes.Get(instrumentID); ok {
		return q, nil
	}

	callID := newCallID()
	g.log.WithComponent("gateway").WithFields(logger.Fields{
		"call_id":    callID,
		"instrument": instrumentID,
	}).Debug("quote not cached, subscribing")

	if err := g.Subscribe(instrumentID); err != nil {
		return models.Quote{}, err
	}
	// The first tick may have landed while the subscription was in flight.
	if q, ok := g.quotes.Get(instrumentID); ok {
		return q, nil
	}

	q, err := g.quotes.WaitUpdate(instrumentID, timeout)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: no quote for %s within %s", ErrTimeout, instrumentID, timeout)
	}
	return q, nil
}

// WaitQuoteUpdate blocks until a quote newer than the currently cached one
// arrives, subscribing on first use. On timeout it returns ErrTimeout and
// no quote; a stale snapshot is never silently handed back.
func (g *Gateway) WaitQuoteUpdate(instrumentID string, timeout time.Duration) (models.Quote, error) {
	if instrumentID == "" {
		return models.Quote{}, fmt.Errorf("instrument id is empty")
	}
	if !g.available() {
		return models.Quote{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts.QuoteUpdate
	}

	if err := g.Subscribe(instrumentID); err != nil {
		return models.Quote{}, err
	}

	q, err := g.quotes.WaitUpdate(instrumentID, timeout)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: no quote update for %s within %s", ErrTimeout, instrumentID, timeout)
	}
	return q, nil
}

// Subscribe registers market data subscriptions, skipping instruments that
// are already subscribed. Instruments are marked subscribed once the
// request went out; the data itself arrives asynchronously.
func (g *Gateway) Subscribe(instruments ...string) error {
	if len(instruments) == 0 {
		return nil
	}
	if !g.available() {
		return ErrUnavailable
	}

	g.subMu.Lock()
	fresh := make([]string, 0, len(instruments))
	for _, id := range instruments {
		if _, ok := g.subscribed[id]; !ok && id != "" {
			fresh = append(fresh, id)
		}
	}
	g.subMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	env := models.NewSubscribeEnvelope(fresh...)
	fut := g.loop.Schedule(func() (any, error) { return nil, g.mdConn.Send(g.ctx, env) })
	if _, err := fut.Wait(g.cfg.Timeouts.Quote); err != nil {
		return fmt.Errorf("subscribe %s: %w", strings.Join(fresh, ","), mapSendErr(err))
	}

	g.subMu.Lock()
	for _, id := range fresh {
		g.subscribed[id] = struct{}{}
	}
	g.subMu.Unlock()

	g.log.WithComponent("gateway").WithFields(logger.Fields{
		"instruments": strings.Join(fresh, ","),
	}).Info("market data subscribed")
	return nil
}

// Unsubscribe drops market data subscriptions. Cached quotes stay; they
// just stop updating.
func (g *Gateway) Unsubscribe(instruments ...string) error {
	if len(instruments) == 0 {
		return nil
	}
	if !g.available() {
		return ErrUnavailable
	}

	g.subMu.Lock()
	subscribed := make([]string, 0, len(instruments))
	for _, id := range instruments {
		if _, ok := g.subscribed[id]; ok {
			subscribed = append(subscribed, id)
			delete(g.subscribed, id)
		}
	}
	g.subMu.Unlock()
	if len(subscribed) == 0 {
		return nil
	}

	env := models.NewUnsubscribeEnvelope(subscribed...)
	fut := g.loop.Schedule(func() (any, error) { return nil, g.mdConn.Send(g.ctx, env) })
	if _, err := fut.Wait(g.cfg.Timeouts.Quote); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", strings.Join(subscribed, ","), mapSendErr(err))
	}
	return nil
}

// Subscriptions returns the instruments currently subscribed.
func (g *Gateway) Subscriptions() []string {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	out := make([]string, 0, len(g.subscribed))
	for id := range g.subscribed {
		out = append(out, id)
	}
	return out
}

// GetPosition returns the open position for the instrument. A cached
// position with volume is returned immediately; otherwise one remote query
// runs (shared by all concurrent callers of the same instrument) and its
// answer is returned. A flat or unknown position is a zero Position, never
// an error; only an unavailable runtime makes this call fail.
func (g *Gateway) GetPosition(instrumentID string, timeout time.Duration) (models.Position, error) {
	if instrumentID == "" {
		return models.Position{}, fmt.Errorf("instrument id is empty")
	}
	if !g.available() {
		return models.Position{InstrumentID: instrumentID}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts.Position
	}

	if pos := g.positions.Get(instrumentID); pos.HasVolume() {
		return pos, nil
	}

	callID := newCallID()
	pos, err := g.queryPosition(callID, instrumentID, timeout)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return models.Position{InstrumentID: instrumentID}, err
		}
		// Timeouts and refusals mean "nothing known", and an unknown
		// position is a flat one as far as a strategy is concerned.
		g.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
			"call_id":    callID,
			"instrument": instrumentID,
		}).Warn("position query failed, reporting flat")
		return models.Position{InstrumentID: instrumentID}, nil
	}
	return pos, nil
}

// queryPosition runs (or joins) the single in-flight position query for the
// instrument. Instrument static data is fetched first when missing so the
// open average price can be derived from the open cost.
func (g *Gateway) queryPosition(callID, instrumentID string, timeout time.Duration) (models.Position, error) {
	deadline := time.Now().Add(timeout)

	if _, ok := g.instruments.Get(instrumentID); !ok {
		if _, err := g.GetInstrument(instrumentID, time.Until(deadline)); err != nil {
			g.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
				"call_id":    callID,
				"instrument": instrumentID,
			}).Debug("instrument lookup failed, open price will be unavailable")
		}
	}

	key := positionKey(instrumentID)
	p, created := g.table.Ensure(key)
	if created {
		reqID := g.table.NextID()
		env := models.NewPositionQueryEnvelope(reqID, g.cfg.Gateway.BrokerID, g.cfg.Gateway.UserID, instrumentID)
		fut := g.loop.Schedule(func() (any, error) {
			g.router.trackPositionQuery(reqID, instrumentID)
			return nil, g.tdConn.Send(g.ctx, env)
		})
		if _, err := fut.Wait(time.Until(deadline)); err != nil {
			err = mapSendErr(err)
			g.table.Fail(key, err)
			return models.Position{}, err
		}
	} else {
		g.log.WithComponent("gateway").WithFields(logger.Fields{
			"call_id":    callID,
			"instrument": instrumentID,
		}).Debug("joining in-flight position query")
	}

	v, err := p.Await(time.Until(deadline))
	if err != nil {
		if errors.Is(err, correlate.ErrTimeout) {
			return models.Position{}, fmt.Errorf("%w: position answer for %s within %s", ErrTimeout, instrumentID, timeout)
		}
		return models.Position{}, err
	}
	pos, _ := v.(models.Position)
	return pos, nil
}

// GetInstrument returns static contract data, querying the trade endpoint
// on first use and caching for the gateway lifetime.
func (g *Gateway) GetInstrument(instrumentID string, timeout time.Duration) (models.Instrument, error) {
	if instrumentID == "" {
		return models.Instrument{}, fmt.Errorf("instrument id is empty")
	}
	if !g.available() {
		return models.Instrument{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts.Position
	}

	if inst, ok := g.instruments.Get(instrumentID); ok {
		return inst, nil
	}

	deadline := time.Now().Add(timeout)
	key := instrumentKey(instrumentID)
	p, created := g.table.Ensure(key)
	if created {
		reqID := g.table.NextID()
		env := models.NewInstrumentQueryEnvelope(reqID, instrumentID)
		fut := g.loop.Schedule(func() (any, error) {
			g.router.trackInstrumentQuery(reqID, instrumentID)
			return nil, g.tdConn.Send(g.ctx, env)
		})
		if _, err := fut.Wait(time.Until(deadline)); err != nil {
			err = mapSendErr(err)
			g.table.Fail(key, err)
			return models.Instrument{}, err
		}
	}

	v, err := p.Await(time.Until(deadline))
	if err != nil {
		if errors.Is(err, correlate.ErrTimeout) {
			return models.Instrument{}, fmt.Errorf("%w: instrument answer for %s within %s", ErrTimeout, instrumentID, timeout)
		}
		return models.Instrument{}, err
	}
	inst, _ := v.(models.Instrument)
	if inst.InstrumentID == "" {
		return models.Instrument{}, fmt.Errorf("instrument %s unknown to the gateway", instrumentID)
	}
	return inst, nil
}

// RunStrategy starts fn on its own goroutine under the given name. An
// empty name is derived from the function symbol. The returned handle
// reports liveness and the terminal error, if any.
func (g *Gateway) RunStrategy(name string, fn StrategyFunc) (*strategy.Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("strategy function is nil")
	}
	if !g.available() {
		return nil, ErrUnavailable
	}
	if name == "" {
		name = strategy.NameOf(fn)
	}
	return g.strategies.Run(name, func() error { return fn(g) })
}

// ListStrategies reports every strategy started on this gateway and
// whether it is still running.
func (g *Gateway) ListStrategies() map[string]bool {
	return g.strategies.ListRunning()
}

// RegisterPlugin appends p to the plugin chain and runs its OnInit hook.
// The gateway itself is the API handed to the plugin.
func (g *Gateway) RegisterPlugin(p plugin.Plugin) error {
	return g.plugins.Register(p, g)
}

// UnregisterPlugin removes the named plugin, running its OnStop hook, and
// reports whether it was registered.
func (g *Gateway) UnregisterPlugin(name string) bool {
	return g.plugins.Unregister(name)
}

// Plugins lists registered plugin names in chain order.
func (g *Gateway) Plugins() []string {
	return g.plugins.Names()
}

// Stop shuts the gateway down: strategies are joined first (each gets a
// slice of the timeout), then plugins stop, then the runtime loop, then
// the connections. Stop is idempotent; concurrent and repeated calls
// return immediately.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.mu.Lock()
	switch g.state {
	case StateStopped, StateStopping:
		g.mu.Unlock()
		return nil
	case StateCreated:
		g.state = StateStopped
		g.mu.Unlock()
		return nil
	}
	g.state = StateStopping
	g.mu.Unlock()

	if timeout <= 0 {
		timeout = g.cfg.Timeouts.Stop
	}
	log := g.log.WithComponent("gateway")
	log.Info("stopping gateway")

	if stuck := g.strategies.JoinAll(timeout); len(stuck) > 0 {
		log.WithFields(logger.Fields{
			"strategies": strings.Join(stuck, ","),
		}).Warn("strategies still running at shutdown, abandoning them")
	}

	g.plugins.StopAll()

	if err := g.loop.Stop(timeout); err != nil {
		log.WithError(err).Warn("event loop did not stop cleanly")
	}

	g.mdConn.Close()
	g.tdConn.Close()
	if g.cancel != nil {
		g.cancel()
	}

	g.mu.Lock()
	g.state = StateStopped
	g.mu.Unlock()

	log.Info("gateway stopped")
	return nil
}

// ReportGauges is merged into the periodic runtime report. It exposes the
// point-in-time numbers the flow counters cannot: cache and registry sizes
// and the lifecycle state.
func (g *Gateway) ReportGauges() logger.Fields {
	running := 0
	for _, alive := range g.strategies.ListRunning() {
		if alive {
			running++
		}
	}
	g.subMu.Lock()
	subs := len(g.subscribed)
	g.subMu.Unlock()
	return logger.Fields{
		"gateway_state":      g.State().String(),
		"quotes_cached":      g.quotes.Len(),
		"positions_cached":   g.positions.Len(),
		"pending_waits":      g.table.Len(),
		"strategies_running": running,
		"subscriptions":      subs,
	}
}

// mapSendErr folds loop scheduling and connection write failures into the
// facade taxonomy: deadline problems become ErrTimeout, everything else
// means the runtime cannot currently reach the gateway.
func mapSendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, eventloop.ErrWaitTimeout):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// newCallID mints the per-call correlation id carried through log fields.
func newCallID() string {
	return uuid.NewString()[:8]
}
