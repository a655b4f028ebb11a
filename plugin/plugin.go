package plugin

import (
	"time"

	"ctpflow/models"
)

// Plugin is the minimal contract every plugin satisfies. Hooks are optional
// capabilities declared by implementing the interfaces below; the chain
// resolves them once at registration, not on every call.
type Plugin interface {
	Name() string
}

// Initializer is called once when the plugin is registered with a running
// facade. An error is logged but does not unregister the plugin.
type Initializer interface {
	OnInit(api API) error
}

// QuoteHook sees every market data tick before it reaches the quote cache.
// Return the (possibly modified) quote and true to pass it on, or false to
// filter the tick so it never lands in the cache.
type QuoteHook interface {
	OnQuote(q models.Quote) (models.Quote, bool)
}

// TradeHook sees every trade flow event (order returns, fills, rejections)
// before the runtime acts on it. Same pass/filter contract as QuoteHook.
type TradeHook interface {
	OnTradeEvent(e models.TradeEvent) (models.TradeEvent, bool)
}

// Stopper is called exactly once while the facade shuts down.
type Stopper interface {
	OnStop() error
}

// API is the slice of the facade handed to plugins. It is safe to call from
// hooks and from goroutines a plugin may start, with the usual caveat that
// blocking calls inside OnQuote stall the runtime loop.
type API interface {
	GetQuote(instrumentID string, timeout time.Duration) (models.Quote, error)
	GetPosition(instrumentID string, timeout time.Duration) (models.Position, error)
}
