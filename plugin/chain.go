package plugin

import (
	"fmt"
	"runtime/debug"
	"sync"

	"ctpflow/logger"
	"ctpflow/models"
)

// entry is a registered plugin with its capabilities resolved up front.
type entry struct {
	plugin Plugin
	name   string
	quote  QuoteHook
	trade  TradeHook
	stop   Stopper
}

// Chain holds plugins in registration order and runs their hooks over the
// data flow. A broken plugin never breaks the flow: panics are contained,
// logged with the plugin's name, and the value from before that plugin
// continues down the chain.
type Chain struct {
	mu      sync.RWMutex
	entries []*entry
	stopped bool
	log     *logger.Log
}

func NewChain() *Chain {
	return &Chain{log: logger.GetLogger()}
}

// Register adds a plugin to the end of the chain and runs its OnInit hook
// if it has one. Names must be unique among registered plugins.
func (c *Chain) Register(p Plugin, api API) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin has no name")
	}

	e := &entry{plugin: p, name: name}
	if h, ok := p.(QuoteHook); ok {
		e.quote = h
	}
	if h, ok := p.(TradeHook); ok {
		e.trade = h
	}
	if h, ok := p.(Stopper); ok {
		e.stop = h
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("plugin chain already stopped")
	}
	for _, cur := range c.entries {
		if cur.name == name {
			c.mu.Unlock()
			return fmt.Errorf("plugin %q already registered", name)
		}
	}
	c.entries = append(c.entries, e)
	c.mu.Unlock()

	if init, ok := p.(Initializer); ok {
		c.protect(name, "OnInit", func() {
			if err := init.OnInit(api); err != nil {
				c.log.WithComponent("plugin").WithError(err).WithFields(logger.Fields{
					"plugin": name,
				}).Error("plugin init failed, keeping it registered")
			}
		})
	}

	c.log.WithComponent("plugin").WithFields(logger.Fields{
		"plugin": name,
		"quote":  e.quote != nil,
		"trade":  e.trade != nil,
	}).Info("plugin registered")
	return nil
}

// Unregister removes the named plugin and reports whether it was present.
// The plugin's OnStop hook runs here, so a plugin that leaves the chain
// early is stopped exactly once and StopAll never sees it again.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	var removed *entry
	for i, e := range c.entries {
		if e.name == name {
			removed = e
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if removed == nil {
		return false
	}
	if removed.stop != nil {
		stop := removed.stop
		c.protect(name, "OnStop", func() {
			if err := stop.OnStop(); err != nil {
				c.log.WithComponent("plugin").WithError(err).WithFields(logger.Fields{
					"plugin": name,
				}).Error("plugin stop failed")
			}
		})
	}
	c.log.WithComponent("plugin").WithFields(logger.Fields{
		"plugin": name,
	}).Info("plugin unregistered")
	return true
}

// Names lists registered plugins in chain order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// FilterQuote runs the quote hooks in order. The returned bool is false when
// some plugin filtered the tick, in which case it must not reach the cache.
func (c *Chain) FilterQuote(q models.Quote) (models.Quote, bool) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		if e.quote == nil {
			continue
		}
		out, ok, panicked := c.callQuote(e, q)
		if panicked {
			continue
		}
		if !ok {
			c.log.WithComponent("plugin").WithFields(logger.Fields{
				"plugin":     e.name,
				"instrument": q.InstrumentID,
			}).Debug("quote filtered")
			return models.Quote{}, false
		}
		q = out
	}
	return q, true
}

// FilterTrade runs the trade hooks in order, same contract as FilterQuote.
func (c *Chain) FilterTrade(ev models.TradeEvent) (models.TradeEvent, bool) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		if e.trade == nil {
			continue
		}
		out, ok, panicked := c.callTrade(e, ev)
		if panicked {
			continue
		}
		if !ok {
			c.log.WithComponent("plugin").WithFields(logger.Fields{
				"plugin": e.name,
				"kind":   string(ev.Kind),
			}).Debug("trade event filtered")
			return models.TradeEvent{}, false
		}
		ev = out
	}
	return ev, true
}

func (c *Chain) callQuote(e *entry, q models.Quote) (out models.Quote, ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(e.name, "OnQuote", r)
			panicked = true
		}
	}()
	out, ok = e.quote.OnQuote(q)
	return out, ok, false
}

func (c *Chain) callTrade(e *entry, ev models.TradeEvent) (out models.TradeEvent, ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(e.name, "OnTradeEvent", r)
			panicked = true
		}
	}()
	out, ok = e.trade.OnTradeEvent(ev)
	return out, ok, false
}

// StopAll runs every OnStop hook once, in chain order, and empties the
// chain. Further StopAll calls do nothing.
func (c *Chain) StopAll() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()

	for _, e := range entries {
		if e.stop == nil {
			continue
		}
		name := e.name
		stop := e.stop
		c.protect(name, "OnStop", func() {
			if err := stop.OnStop(); err != nil {
				c.log.WithComponent("plugin").WithError(err).WithFields(logger.Fields{
					"plugin": name,
				}).Error("plugin stop failed")
			}
		})
	}
	c.log.WithComponent("plugin").WithFields(logger.Fields{
		"count": len(entries),
	}).Info("plugin chain stopped")
}

func (c *Chain) protect(name, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logPanic(name, hook, r)
		}
	}()
	fn()
}

func (c *Chain) logPanic(name, hook string, r any) {
	c.log.WithComponent("plugin").WithFields(logger.Fields{
		"plugin": name,
		"hook":   hook,
		"panic":  fmt.Sprint(r),
		"stack":  string(debug.Stack()),
	}).Error("plugin hook panicked")
}
