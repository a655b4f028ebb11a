package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ctpflow/logger"
	"ctpflow/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Sink receives every decoded envelope from the read loop. It returns false
// when the message could not be handed off (a full channel); the connection
// keeps reading either way.
type Sink func(ctx context.Context, env *models.Envelope) bool

// Config describes one gateway endpoint connection.
type Config struct {
	// Name tags log lines and metrics, "md_ws" or "td_ws".
	Name             string
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	// Outbound pacing. The gateway throttles sessions that write too fast.
	RequestsPerSecond float64
	BurstSize         int
}

// Conn is one websocket connection to a gateway endpoint. The read loop
// decodes and forwards every message; writes go through Send, which the
// runtime loop alone calls, matching the websocket one-writer rule.
type Conn struct {
	cfg     Config
	sink    Sink
	onDown  func(error)
	limiter *rate.Limiter

	ctx     context.Context
	conn    *websocket.Conn
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	closing bool
	stopCh  chan struct{}
	log     *logger.Log

	unknown atomic.Int64
}

// NewConn prepares a connection. onDown fires once if the read loop dies for
// any reason other than Close; it never fires for a deliberate shutdown.
func NewConn(cfg Config, sink Sink, onDown func(error)) *Conn {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Conn{
		cfg:     cfg,
		sink:    sink,
		onDown:  onDown,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		stopCh:  make(chan struct{}),
		log:     logger.GetLogger(),
	}
}

// Connect dials the endpoint and starts the read and ping loops. It blocks
// only for the websocket handshake.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running || c.closing {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already used", c.cfg.Name)
	}
	c.mu.Unlock()

	log := c.log.WithComponent(c.cfg.Name).WithFields(logger.Fields{"url": c.cfg.URL})
	log.Info("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		log.WithError(err).Error("websocket dial failed")
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ctx = ctx
	c.running = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	log.Info("connected")
	return nil
}

// Send transmits one envelope, pacing on the endpoint rate limit first. The
// runtime loop is the sole caller; only ping control frames are written from
// elsewhere.
func (c *Conn) Send(ctx context.Context, env *models.Envelope) error {
	c.mu.RLock()
	conn, running := c.conn, c.running
	c.mu.RUnlock()
	if !running || conn == nil {
		return fmt.Errorf("connection %s is down", c.cfg.Name)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait on %s: %w", c.cfg.Name, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s on %s: %w", string(env.MsgType), c.cfg.Name, err)
	}
	return nil
}

// Close sends a close frame, tears the connection down and joins both loops.
// Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	log := c.log.WithComponent(c.cfg.Name)
	log.Info("closing connection")
	close(c.stopCh)
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	c.wg.Wait()
	log.Info("connection closed")
}

// UnknownMessages counts wire messages whose type fell outside the known
// set. They are logged and dropped, never dispatched.
func (c *Conn) UnknownMessages() int64 { return c.unknown.Load() }

func (c *Conn) readLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent(c.cfg.Name).WithFields(logger.Fields{"worker": "read_loop"})

	var cause error
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}

		env, err := models.Decode(msg)
		if err != nil {
			c.unknown.Add(1)
			snippet := msg
			if len(snippet) > 128 {
				snippet = snippet[:128]
			}
			log.WithError(err).WithFields(logger.Fields{
				"payload": string(snippet),
			}).Warn("unrecognized message discarded")
			continue
		}

		c.record(env, len(msg))
		c.sink(c.ctx, env)
	}

	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing || c.ctx.Err() != nil {
		log.Info("read loop finished")
		return
	}

	log.WithError(cause).Error("connection lost")
	if c.onDown != nil {
		c.onDown(cause)
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithComponent(c.cfg.Name).WithError(err).Warn("ping failed")
				return
			}
		}
	}
}

func (c *Conn) record(env *models.Envelope, size int) {
	switch env.MsgType {
	case models.MsgRtnDepthMarketData:
		logger.IncrementQuoteReceived(size)
	case models.MsgRtnTrade:
		logger.IncrementTradeReceived(size)
	}
}
