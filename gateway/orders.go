package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"ctpflow/internal/correlate"
	"ctpflow/internal/exchange"
	"ctpflow/logger"
	"ctpflow/models"
)

// localErrorID tags rejections produced before the order left the process,
// the gateway's own codes are positive.
const localErrorID = -1

// refCounter hands out session-unique order references, seeded from the
// MaxOrderRef the trade endpoint announces at login so references never
// collide with orders from an earlier session on the same trading day.
type refCounter struct {
	n atomic.Int64
}

func (c *refCounter) seed(maxRef string) {
	v, err := strconv.ParseInt(strings.TrimSpace(maxRef), 10, 64)
	if err != nil || v < 0 {
		v = 0
	}
	c.n.Store(v)
}

func (c *refCounter) next() string {
	return strconv.FormatInt(c.n.Add(1), 10)
}

// PlaceOrder submits a limit order and blocks until the gateway answers or
// the timeout passes. A rejection is a normal outcome: Success is false and
// the error return is nil. The error return is reserved for timeouts and an
// unavailable runtime.
func (g *Gateway) PlaceOrder(req models.OrderRequest, timeout time.Duration) (models.OrderResult, error) {
	return g.submit(req, true, timeout)
}

// SubmitOrder sends a limit order and returns as soon as it is on the wire,
// without waiting for the gateway's answer. The returned result carries the
// order reference; acceptance or rejection shows up later in the journal
// and on the plugin chain.
func (g *Gateway) SubmitOrder(req models.OrderRequest) (models.OrderResult, error) {
	return g.submit(req, false, 0)
}

func (g *Gateway) submit(req models.OrderRequest, block bool, timeout time.Duration) (models.OrderResult, error) {
	if !g.available() {
		return models.OrderResult{}, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeouts.Order
	}

	callID := newCallID()
	log := g.log.WithComponent("gateway").WithFields(logger.Fields{
		"call_id":    callID,
		"instrument": req.InstrumentID,
		"action":     string(req.Action),
		"volume":     req.Volume,
		"price":      req.Price,
	})

	if err := req.Validate(); err != nil {
		log.WithError(err).Warn("order refused locally")
		return localReject(err.Error()), nil
	}

	exchangeID := exchange.Infer(req.InstrumentID)
	if req.Action.IsClose() && exchange.NeedsCloseToday(exchangeID) {
		return g.submitSplitClose(callID, log, req, exchangeID, block, timeout)
	}
	return g.submitSingle(callID, log, req, exchangeID, req.Volume, false, block, timeout)
}

// submitSplitClose handles closing on venues that distinguish today's lots
// from history lots. The close volume is validated against the held
// position and split history-first; each leg is one order, and the first
// failing leg aborts the rest.
func (g *Gateway) submitSplitClose(callID string, log *logger.Entry, req models.OrderRequest, exchangeID string, block bool, timeout time.Duration) (models.OrderResult, error) {
	deadline := time.Now().Add(timeout)

	pos, err := g.GetPosition(req.InstrumentID, g.cfg.Timeouts.Position)
	if err != nil {
		return models.OrderResult{}, err
	}

	var today, history, total int
	if req.Action == models.CloseLong {
		today, history, total = pos.LongToday, pos.LongHistory, pos.LongVolume
	} else {
		today, history, total = pos.ShortToday, pos.ShortHistory, pos.ShortVolume
	}

	lots, err := exchange.SplitClose(req.Volume, today, history, total)
	if err != nil {
		log.WithError(err).Warn("close order refused")
		return localReject(err.Error()), nil
	}

	log.WithFields(logger.Fields{
		"exchange": exchangeID,
		"legs":     len(lots),
	}).Debug("close order split into today/history legs")

	var refs []string
	for _, lot := range lots {
		res, err := g.submitSingle(callID, log, req, exchangeID, lot.Volume, lot.CloseToday, block, time.Until(deadline))
		if err != nil {
			return models.OrderResult{}, err
		}
		if !res.Success {
			return res, nil
		}
		refs = append(refs, res.OrderRef)
	}
	return models.OrderResult{Success: true, OrderRef: strings.Join(refs, ",")}, nil
}

// submitSingle sends one wire order. In blocking mode the answer is
// correlated by order reference; the first order return or insert error for
// that reference settles the call.
func (g *Gateway) submitSingle(callID string, log *logger.Entry, req models.OrderRequest, exchangeID string, volume int, closeToday, block bool, timeout time.Duration) (models.OrderResult, error) {
	direction, offset, err := req.Action.CTPFlags(closeToday)
	if err != nil {
		return localReject(err.Error()), nil
	}

	ref := g.orderRef.next()
	input := models.NewLimitOrder(req.InstrumentID, ref, direction, offset, req.Price, volume)
	input.ExchangeID = exchangeID
	env := models.NewOrderInsertEnvelope(g.table.NextID(), input)

	deadline := time.Now().Add(timeout)
	var pending *correlate.Pending
	if block {
		pending = g.table.Register(orderKey(ref))
	}

	fut := g.loop.Schedule(func() (any, error) { return nil, g.tdConn.Send(g.ctx, env) })
	if _, err := fut.Wait(time.Until(deadline)); err != nil {
		err = mapSendErr(err)
		if block {
			g.table.Fail(orderKey(ref), err)
		}
		log.WithError(err).WithFields(logger.Fields{
			"order_ref": ref,
		}).Error("order send failed")
		return models.OrderResult{}, err
	}

	logger.IncrementOrderSubmitted()
	g.journalOrder(models.JournalOrderSubmit, req.InstrumentID, exchangeID, ref, direction, offset, req.Price, volume, 0, "")
	log.WithFields(logger.Fields{
		"order_ref":   ref,
		"offset_flag": offset,
		"volume_leg":  volume,
	}).Info("order submitted")

	if !block {
		return models.OrderResult{Success: true, OrderRef: ref}, nil
	}

	v, err := pending.Await(time.Until(deadline))
	if err != nil {
		if errors.Is(err, correlate.ErrTimeout) {
			return models.OrderResult{}, fmt.Errorf("%w: no answer for order %s within %s", ErrTimeout, ref, timeout)
		}
		return models.OrderResult{}, mapSendErr(err)
	}
	res, _ := v.(models.OrderResult)
	if !res.Success {
		log.WithFields(logger.Fields{
			"order_ref": ref,
			"error_id":  res.ErrorID,
			"error_msg": res.ErrorMsg,
		}).Warn("order rejected by gateway")
	}
	return res, nil
}

func localReject(msg string) models.OrderResult {
	return models.OrderResult{Success: false, ErrorID: localErrorID, ErrorMsg: msg}
}

// journalOrder emits one order lifecycle record. Journal sends never block
// the caller; a full journal channel drops the record and counts the drop.
func (g *Gateway) journalOrder(kind models.JournalKind, instrumentID, exchangeID, ref, direction, offset string, price float64, volume, errorID int, errorMsg string) {
	g.chans.SendJournal(g.ctx, models.JournalRecord{
		Kind:         kind,
		Timestamp:    time.Now(),
		TradingDay:   g.TradingDay(),
		InstrumentID: instrumentID,
		ExchangeID:   exchangeID,
		OrderRef:     ref,
		Direction:    direction,
		Offset:       offset,
		Price:        price,
		Volume:       volume,
		ErrorID:      errorID,
		ErrorMsg:     errorMsg,
	})
}
