package plugin

import (
	"math"
	"sync/atomic"

	"ctpflow/logger"
	"ctpflow/models"
)

// RiskFilterPlugin drops malformed quotes before they reach the cache and
// flags implausible price jumps. A dropped quote never wakes a waiting
// strategy, so one bad tick cannot trigger trades on its own.
type RiskFilterPlugin struct {
	// MaxChangePct flags moves larger than this fraction of the previous
	// price. Zero disables the jump check. Jumps are logged, not dropped:
	// limit-up and limit-down days produce legitimate large moves.
	MaxChangePct float64

	// Written only from quote hooks, which all run on the runtime loop.
	lastPrices map[string]float64

	dropped atomic.Int64
	log     *logger.Log
}

func NewRiskFilterPlugin() *RiskFilterPlugin {
	return &RiskFilterPlugin{
		MaxChangePct: 0.1,
		lastPrices:   make(map[string]float64),
		log:          logger.GetLogger(),
	}
}

func (p *RiskFilterPlugin) Name() string { return "risk_filter" }

func (p *RiskFilterPlugin) OnQuote(q models.Quote) (models.Quote, bool) {
	if math.IsNaN(q.LastPrice) || q.LastPrice <= 0 {
		p.dropped.Add(1)
		p.log.WithComponent("plugin.risk").WithFields(logger.Fields{
			"instrument": q.InstrumentID,
			"last":       q.LastPrice,
		}).Warn("dropped quote with invalid last price")
		return models.Quote{}, false
	}

	if prev, ok := p.lastPrices[q.InstrumentID]; ok && p.MaxChangePct > 0 {
		change := math.Abs(q.LastPrice-prev) / prev
		if change > p.MaxChangePct {
			p.log.WithComponent("plugin.risk").WithFields(logger.Fields{
				"instrument": q.InstrumentID,
				"prev":       prev,
				"last":       q.LastPrice,
				"change_pct": change * 100,
			}).Warn("price jump exceeds threshold")
		}
	}
	p.lastPrices[q.InstrumentID] = q.LastPrice
	return q, true
}

func (p *RiskFilterPlugin) OnStop() error {
	p.log.WithComponent("plugin.risk").WithFields(logger.Fields{
		"quotes_dropped": p.dropped.Load(),
	}).Info("risk filter stopped")
	return nil
}

// Dropped reports how many quotes the plugin filtered out.
func (p *RiskFilterPlugin) Dropped() int64 { return p.dropped.Load() }
