package channel

import (
	"context"
	"sync"
	"time"

	"ctpflow/logger"
	"ctpflow/models"
)

// Stats counts traffic through the gateway channels. Dropped market data is
// tolerated under load, trade flow is never dropped (SendTD blocks instead).
type Stats struct {
	MdSent         int64
	MdDropped      int64
	TdSent         int64
	JournalSent    int64
	JournalDropped int64
}

// Channels carries decoded gateway envelopes from the connection readers to
// the runtime loop, and journal records from the loop to the journal writer.
type Channels struct {
	MD      chan *models.Envelope
	TD      chan *models.Envelope
	Journal chan models.JournalRecord

	stats               Stats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(mdBuffer, tdBuffer, journalBuffer int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		MD:      make(chan *models.Envelope, mdBuffer),
		TD:      make(chan *models.Envelope, tdBuffer),
		Journal: make(chan models.JournalRecord, journalBuffer),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"md_buffer":      mdBuffer,
		"td_buffer":      tdBuffer,
		"journal_buffer": journalBuffer,
	}).Info("channels initialized")

	return c
}

// SendMD delivers a market data envelope without blocking. A full buffer
// drops the tick, the cache catches up on the next one.
func (c *Channels) SendMD(ctx context.Context, env *models.Envelope) bool {
	select {
	case c.MD <- env:
		c.incrementMdSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementMdDropped()
		return false
	}
}

// SendTD delivers a trade envelope. Trade flow carries order and query
// results that must not be lost, so a full buffer blocks the caller until
// the loop drains it or ctx is cancelled.
func (c *Channels) SendTD(ctx context.Context, env *models.Envelope) bool {
	select {
	case c.TD <- env:
		c.incrementTdSent()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendJournal hands a record to the journal writer without blocking.
func (c *Channels) SendJournal(ctx context.Context, rec models.JournalRecord) bool {
	select {
	case c.Journal <- rec:
		c.incrementJournalSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementJournalDropped()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats(c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	log.WithComponent("channels").WithFields(logger.Fields{
		"md_sent":          stats.MdSent,
		"md_dropped":       stats.MdDropped,
		"td_sent":          stats.TdSent,
		"journal_sent":     stats.JournalSent,
		"journal_dropped":  stats.JournalDropped,
		"md_channel_len":   len(c.MD),
		"md_channel_cap":   cap(c.MD),
		"td_channel_len":   len(c.TD),
		"td_channel_cap":   cap(c.TD),
		"journal_chan_len": len(c.Journal),
		"journal_chan_cap": cap(c.Journal),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.MD)
	close(c.TD)
	close(c.Journal)

	c.log.WithComponent("channels").Info("all channels closed")
}

func (c *Channels) incrementMdSent() {
	c.statsMutex.Lock()
	c.stats.MdSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementMdDropped() {
	c.statsMutex.Lock()
	c.stats.MdDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementTdSent() {
	c.statsMutex.Lock()
	c.stats.TdSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementJournalSent() {
	c.statsMutex.Lock()
	c.stats.JournalSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementJournalDropped() {
	c.statsMutex.Lock()
	c.stats.JournalDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
