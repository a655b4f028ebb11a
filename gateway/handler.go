package gateway

import (
	"time"

	"ctpflow/logger"
	"ctpflow/models"
)

// router is the eventloop handler behind the facade. Every method runs on
// the loop goroutine, which is the only writer of the caches and the only
// caller of Conn.Send, so the in-flight query maps need no locking.
type router struct {
	g *Gateway

	// request id -> instrument for queries whose final answer may carry
	// no row at all (a flat position, an unknown instrument).
	posQueries  map[int64]string
	instQueries map[int64]string
}

func newRouter(g *Gateway) *router {
	return &router{
		g:           g,
		posQueries:  make(map[int64]string),
		instQueries: make(map[int64]string),
	}
}

func (r *router) trackPositionQuery(reqID int64, instrumentID string) {
	r.posQueries[reqID] = instrumentID
}

func (r *router) trackInstrumentQuery(reqID int64, instrumentID string) {
	r.instQueries[reqID] = instrumentID
}

func (r *router) log() *logger.Entry {
	return r.g.log.WithComponent("gateway")
}

// HandleMarketData routes one market data envelope.
func (r *router) HandleMarketData(env *models.Envelope) {
	switch env.MsgType {
	case models.MsgRspUserLogin:
		r.resolveLogin(keyLoginMD, env)
	case models.MsgRspSubMarketData:
		r.onSubscribeAck(env, "subscribe")
	case models.MsgRspUnSubMarketData:
		r.onSubscribeAck(env, "unsubscribe")
	case models.MsgRtnDepthMarketData:
		r.onDepth(env)
	case models.MsgRspError:
		r.onRspError("md_ws", env)
	default:
		r.log().WithFields(logger.Fields{
			"msg_type": string(env.MsgType),
		}).Debug("unexpected message on market data connection")
	}
}

// HandleTradeData routes one trade endpoint envelope.
func (r *router) HandleTradeData(env *models.Envelope) {
	switch env.MsgType {
	case models.MsgRspUserLogin:
		r.resolveLogin(keyLoginTD, env)
	case models.MsgRspQryInvestorPosition:
		r.onPositionRow(env)
	case models.MsgRspQryInstrument:
		r.onInstrumentRow(env)
	case models.MsgRspOrderInsert, models.MsgErrRtnOrderInsert:
		r.onInsertError(env)
	case models.MsgRtnOrder:
		r.onOrderReturn(env)
	case models.MsgRtnTrade:
		r.onTradeReturn(env)
	case models.MsgRspError:
		r.onRspError("td_ws", env)
	default:
		r.log().WithFields(logger.Fields{
			"msg_type": string(env.MsgType),
		}).Debug("unexpected message on trade connection")
	}
}

// HandleLoopDown fires once when the loop exits, deliberately or not. All
// blocked callers are woken; nobody waits on a runtime that is gone.
func (r *router) HandleLoopDown(err error) {
	g := r.g
	g.markDown()
	if err != nil {
		r.log().WithError(err).Error("runtime loop died, failing all pending waits")
	} else {
		r.log().Debug("runtime loop drained")
	}
	g.table.FailAll(ErrUnavailable)
}

func (r *router) resolveLogin(key string, env *models.Envelope) {
	g := r.g
	if !env.RspInfo.OK() {
		rej := &RejectionError{Code: env.RspInfo.ErrorID, Message: env.RspInfo.ErrorMsg}
		r.log().WithFields(logger.Fields{
			"endpoint": key,
			"error_id": rej.Code,
		}).Error("login rejected")
		g.table.Fail(key, rej)
		return
	}
	g.table.Resolve(key, env.RspUserLogin)
}

func (r *router) onSubscribeAck(env *models.Envelope, what string) {
	instrument := ""
	if env.SpecificInstrument != nil {
		instrument = env.SpecificInstrument.InstrumentID
	}
	if !env.RspInfo.OK() {
		r.log().WithFields(logger.Fields{
			"instrument": instrument,
			"error_id":   env.RspInfo.ErrorID,
			"error_msg":  env.RspInfo.ErrorMsg,
		}).Warn(what + " refused by gateway")
		return
	}
	r.log().WithFields(logger.Fields{
		"instrument": instrument,
	}).Debug(what + " confirmed")
}

// onDepth runs a tick through the plugin chain and, if it survives, into
// the quote cache. A filtered tick reaches neither the cache nor anyone
// blocked on an update.
func (r *router) onDepth(env *models.Envelope) {
	g := r.g
	if env.DepthMarketData == nil {
		return
	}
	q, ok := g.plugins.FilterQuote(models.QuoteFromDepth(env.DepthMarketData))
	if !ok {
		return
	}
	g.quotes.Update(q)
}

// onPositionRow merges one position query row, and on the final row
// resolves the pending query with the merged aggregate. The final row of
// a flat position carries no payload, which is why in-flight queries are
// tracked by request id.
func (r *router) onPositionRow(env *models.Envelope) {
	g := r.g
	if row := env.InvestorPosition; row != nil {
		g.positions.Apply(row, g.instruments.VolumeMultiple(row.InstrumentID))
	}
	if !env.IsLast {
		return
	}

	instrumentID, tracked := r.posQueries[env.RequestID]
	if tracked {
		delete(r.posQueries, env.RequestID)
	} else if row := env.InvestorPosition; row != nil {
		instrumentID = row.InstrumentID
	}
	if instrumentID == "" {
		r.log().WithFields(logger.Fields{
			"request_id": env.RequestID,
		}).Debug("position answer matches no tracked query")
		return
	}

	key := positionKey(instrumentID)
	if g.table.Has(key) {
		g.table.Resolve(key, g.positions.Get(instrumentID))
	}
}

// onInstrumentRow caches instrument static data and resolves the pending
// query on the final row.
func (r *router) onInstrumentRow(env *models.Envelope) {
	g := r.g
	if inst := env.Instrument; inst != nil {
		g.instruments.Set(*inst)
	}
	if !env.IsLast {
		return
	}

	instrumentID, tracked := r.instQueries[env.RequestID]
	if !tracked {
		if inst := env.Instrument; inst != nil {
			instrumentID = inst.InstrumentID
		}
	} else {
		delete(r.instQueries, env.RequestID)
	}
	if instrumentID == "" {
		return
	}

	key := instrumentKey(instrumentID)
	if g.table.Has(key) {
		inst, _ := g.instruments.Get(instrumentID)
		g.table.Resolve(key, inst)
	}
}

// onInsertError settles an order that the gateway or the exchange front
// refused before acceptance. These arrive only on failure.
func (r *router) onInsertError(env *models.Envelope) {
	g := r.g
	ev, ok := g.plugins.FilterTrade(models.TradeEvent{Kind: env.MsgType, RspInfo: env.RspInfo})
	if !ok {
		return
	}

	ref := ""
	instrumentID, exchangeID := "", ""
	if env.InputOrder != nil {
		ref = env.InputOrder.OrderRef
		instrumentID = env.InputOrder.InstrumentID
		exchangeID = env.InputOrder.ExchangeID
	}
	errorID, errorMsg := localErrorID, "order insert failed"
	if info := ev.RspInfo; info != nil && info.ErrorID != 0 {
		errorID, errorMsg = info.ErrorID, info.ErrorMsg
	}

	logger.IncrementOrderRejected()
	r.log().WithFields(logger.Fields{
		"order_ref":  ref,
		"instrument": instrumentID,
		"error_id":   errorID,
		"error_msg":  errorMsg,
	}).Warn("order insert rejected")

	if ref == "" {
		return
	}
	g.journalOrder(models.JournalOrderReject, instrumentID, exchangeID, ref, "", "", 0, 0, errorID, errorMsg)
	key := orderKey(ref)
	if g.table.Has(key) {
		g.table.Resolve(key, models.OrderResult{
			Success:  false,
			OrderRef: ref,
			ErrorID:  errorID,
			ErrorMsg: errorMsg,
		})
	}
}

// onOrderReturn settles a blocked submit with the first status push for its
// reference. Anything but canceled counts as accepted; later status pushes
// for the same reference find no waiter and are just logged.
func (r *router) onOrderReturn(env *models.Envelope) {
	g := r.g
	if env.Order == nil {
		return
	}
	ev, ok := g.plugins.FilterTrade(models.TradeEvent{Kind: models.MsgRtnOrder, Order: env.Order})
	if !ok || ev.Order == nil {
		return
	}
	ord := ev.Order

	r.log().WithFields(logger.Fields{
		"order_ref":  ord.OrderRef,
		"instrument": ord.InstrumentID,
		"status":     ord.OrderStatus,
		"status_msg": ord.StatusMsg,
		"traded":     ord.VolumeTraded,
	}).Debug("order status")

	key := orderKey(ord.OrderRef)
	if !g.table.Has(key) {
		return
	}

	if ord.OrderStatus == models.OrderStatusCanceled {
		logger.IncrementOrderRejected()
		g.journalOrder(models.JournalOrderReject, ord.InstrumentID, ord.ExchangeID, ord.OrderRef,
			ord.Direction, ord.CombOffsetFlag, ord.LimitPrice, ord.VolumeTotalOriginal, localErrorID, ord.StatusMsg)
		g.table.Resolve(key, models.OrderResult{
			Success:  false,
			OrderRef: ord.OrderRef,
			ErrorID:  localErrorID,
			ErrorMsg: ord.StatusMsg,
		})
		return
	}

	g.journalOrder(models.JournalOrderAccept, ord.InstrumentID, ord.ExchangeID, ord.OrderRef,
		ord.Direction, ord.CombOffsetFlag, ord.LimitPrice, ord.VolumeTotalOriginal, 0, "")
	g.table.Resolve(key, models.OrderResult{Success: true, OrderRef: ord.OrderRef})
}

// onTradeReturn journals a fill and refreshes the instrument's position so
// the cache converges on what the gateway believes.
func (r *router) onTradeReturn(env *models.Envelope) {
	g := r.g
	if env.Trade == nil {
		return
	}
	ev, ok := g.plugins.FilterTrade(models.TradeEvent{Kind: models.MsgRtnTrade, Trade: env.Trade})
	if !ok || ev.Trade == nil {
		return
	}
	tr := ev.Trade

	r.log().WithFields(logger.Fields{
		"order_ref":  tr.OrderRef,
		"instrument": tr.InstrumentID,
		"price":      tr.Price,
		"volume":     tr.Volume,
		"trade_id":   tr.TradeID,
	}).Info("trade filled")

	g.chans.SendJournal(g.ctx, models.JournalRecord{
		Kind:         models.JournalTrade,
		Timestamp:    time.Now(),
		TradingDay:   tr.TradingDay,
		InstrumentID: tr.InstrumentID,
		ExchangeID:   tr.ExchangeID,
		OrderRef:     tr.OrderRef,
		Direction:    tr.Direction,
		Offset:       tr.OffsetFlag,
		Price:        tr.Price,
		Volume:       tr.Volume,
		TradeID:      tr.TradeID,
	})

	r.refreshPosition(tr.InstrumentID)
}

// refreshPosition fires a background position query after a fill. Nobody
// waits on it; the rows update the cache when they come back.
func (r *router) refreshPosition(instrumentID string) {
	g := r.g
	reqID := g.table.NextID()
	r.trackPositionQuery(reqID, instrumentID)
	env := models.NewPositionQueryEnvelope(reqID, g.cfg.Gateway.BrokerID, g.cfg.Gateway.UserID, instrumentID)
	if err := g.tdConn.Send(g.ctx, env); err != nil {
		delete(r.posQueries, reqID)
		r.log().WithError(err).WithFields(logger.Fields{
			"instrument": instrumentID,
		}).Warn("position refresh after fill failed")
	}
}

// onRspError fails the query a generic error answers, when it answers one;
// otherwise it is only logged.
func (r *router) onRspError(conn string, env *models.Envelope) {
	g := r.g
	code, msg := 0, ""
	if env.RspInfo != nil {
		code, msg = env.RspInfo.ErrorID, env.RspInfo.ErrorMsg
	}
	r.log().WithFields(logger.Fields{
		"conn":       conn,
		"request_id": env.RequestID,
		"error_id":   code,
		"error_msg":  msg,
	}).Warn("gateway reported an error")

	if id, ok := r.posQueries[env.RequestID]; ok {
		delete(r.posQueries, env.RequestID)
		if key := positionKey(id); g.table.Has(key) {
			g.table.Fail(key, &RejectionError{Code: code, Message: msg})
		}
	}
	if id, ok := r.instQueries[env.RequestID]; ok {
		delete(r.instQueries, env.RequestID)
		if key := instrumentKey(id); g.table.Has(key) {
			g.table.Fail(key, &RejectionError{Code: code, Message: msg})
		}
	}
}
