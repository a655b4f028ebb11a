package plugin

import (
	"sync/atomic"

	"ctpflow/logger"
	"ctpflow/models"
)

// LoggingPlugin records every quote and trade event passing through the
// chain. Useful for debugging a strategy without touching its code.
type LoggingPlugin struct {
	LogQuotes bool
	LogTrades bool

	quotes atomic.Int64
	trades atomic.Int64
	log    *logger.Log
}

func NewLoggingPlugin() *LoggingPlugin {
	return &LoggingPlugin{
		LogQuotes: true,
		LogTrades: true,
		log:       logger.GetLogger(),
	}
}

func (p *LoggingPlugin) Name() string { return "logging" }

func (p *LoggingPlugin) OnInit(api API) error {
	p.log.WithComponent("plugin.logging").WithFields(logger.Fields{
		"log_quotes": p.LogQuotes,
		"log_trades": p.LogTrades,
	}).Info("logging plugin initialized")
	return nil
}

func (p *LoggingPlugin) OnQuote(q models.Quote) (models.Quote, bool) {
	p.quotes.Add(1)
	if p.LogQuotes {
		p.log.WithComponent("plugin.logging").WithFields(logger.Fields{
			"instrument": q.InstrumentID,
			"last":       q.LastPrice,
			"bid":        q.BidPrice1,
			"ask":        q.AskPrice1,
			"volume":     q.Volume,
		}).Info("quote")
	}
	return q, true
}

func (p *LoggingPlugin) OnTradeEvent(e models.TradeEvent) (models.TradeEvent, bool) {
	p.trades.Add(1)
	if p.LogTrades {
		p.log.WithComponent("plugin.logging").WithFields(logger.Fields{
			"kind":       string(e.Kind),
			"instrument": e.InstrumentID(),
			"order_ref":  e.OrderRef(),
		}).Info("trade event")
	}
	return e, true
}

func (p *LoggingPlugin) OnStop() error {
	p.log.WithComponent("plugin.logging").WithFields(logger.Fields{
		"quotes_seen": p.quotes.Load(),
		"trades_seen": p.trades.Load(),
	}).Info("logging plugin stopped")
	return nil
}

// QuotesSeen reports how many quotes passed the plugin.
func (p *LoggingPlugin) QuotesSeen() int64 { return p.quotes.Load() }

// TradesSeen reports how many trade events passed the plugin.
func (p *LoggingPlugin) TradesSeen() int64 { return p.trades.Load() }
