package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"buyback_feed/aggregator"
	"buyback_feed/metrics"
	"buyback_feed/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	HeartbeatInterval = 10 * time.Second
	ReconnectDelay    = 5 * time.Second
	ClientWindow      = 50
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ClientConfig struct {
	WSURL          string
	APIURL         string
	ReconnectDelay time.Duration
	Headers        map[string]string
}

// FeedClient follows a feed publisher: it seeds itself from the REST snapshot,
// then applies live messages, reconnecting after a fixed delay whenever the
// connection drops.
type FeedClient struct {
	cfg        ClientConfig
	httpClient *http.Client
	dialer     websocket.Dialer
	logger     *zap.SugaredLogger

	state atomic.Int32

	mu      sync.RWMutex
	events  []models.BurnEvent // newest first
	stats   map[models.Chain]models.ChainStats
	seen    *aggregator.SeenSet
	onEvent func(models.BurnEvent)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn
}

func NewFeedClient(cfg ClientConfig, logger *zap.SugaredLogger) *FeedClient {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = ReconnectDelay
	}
	return &FeedClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:     logger,
		stats:      models.EmptyStats(),
		seen:       aggregator.NewSeenSet(aggregator.DefaultSeenCapacity),
	}
}

// OnEvent sets a callback for each new live event. Call before Start.
func (c *FeedClient) OnEvent(fn func(models.BurnEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *FeedClient) State() State {
	return State(c.state.Load())
}

// Events returns a copy of the local window, newest first.
func (c *FeedClient) Events() []models.BurnEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.FeedSnapshot{RecentEvents: c.events}.Clone().RecentEvents
}

func (c *FeedClient) Stats() map[models.Chain]models.ChainStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.FeedSnapshot{Stats: c.stats}.Clone().Stats
}

// Start runs the connect loop in the background until ctx is cancelled or
// Stop is called.
func (c *FeedClient) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("feed client already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Stop ends the connect loop and waits for it. Safe in any state.
func (c *FeedClient) Stop() {
	c.runMu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	c.state.Store(int32(StateDisconnected))
}

func (c *FeedClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return c.session(ctx)
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncrementReconnects()
		c.logger.Warnw("Feed connection lost, reconnecting",
			"error", err,
			"retry_in", wait.String())
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil && ctx.Err() == nil {
		c.logger.Errorw("Feed client stopped", "error", err)
	}
}

// session is one connection attempt; it always ends in an error so the
// retry loop reconnects.
func (c *FeedClient) session(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return backoff.Permanent(fmt.Errorf("unexpected state %s", c.State()))
	}
	defer c.state.Store(int32(StateDisconnected))

	c.refreshSnapshot(ctx)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WSURL, c.headers())
	if err != nil {
		return models.Transient("dial feed", err)
	}
	defer conn.Close()

	c.runMu.Lock()
	c.conn = conn
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.conn = nil
		c.runMu.Unlock()
	}()

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	c.logger.Infow("Feed connected", "url", c.cfg.WSURL)

	readWait := 3 * HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return models.Transient("read feed", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(raw)
	}
}

func (c *FeedClient) handleMessage(raw []byte) {
	msg, err := models.DecodeFeedMessage(raw)
	if err != nil {
		c.logger.Warnw("Skipping malformed feed message", "error", err)
		return
	}
	switch {
	case msg.Snapshot != nil:
		if msg.Dropped > 0 {
			c.logger.Warnw("Skipping malformed snapshot events", "count", msg.Dropped)
		}
		c.replace(*msg.Snapshot)
	case msg.Event != nil:
		c.apply(*msg.Event)
	}
}

// apply adds a live event unless it was already seen.
func (c *FeedClient) apply(event models.BurnEvent) {
	c.mu.Lock()
	if !c.seen.Add(event.Key()) {
		c.mu.Unlock()
		return
	}

	c.events = append([]models.BurnEvent{event}, c.events...)
	if len(c.events) > ClientWindow {
		c.events = c.events[:ClientWindow]
	}

	st := c.stats[event.Chain]
	st.BuybackCount++
	current, err := decimal.NewFromString(st.TotalBurned)
	if err != nil || event.TotalBurnedDecimal().GreaterThan(current) {
		st.TotalBurned = event.TotalBurned
	}
	c.stats[event.Chain] = st
	fn := c.onEvent
	c.mu.Unlock()

	if fn != nil {
		fn(event)
	}
}

// replace swaps local state for a server snapshot. Keys already seen stay
// seen so a replayed event is never counted twice.
func (c *FeedClient) replace(snap models.FeedSnapshot) {
	snap = snap.Clone()
	if len(snap.RecentEvents) > ClientWindow {
		snap.RecentEvents = snap.RecentEvents[:ClientWindow]
	}
	stats := models.EmptyStats()
	for chain, st := range snap.Stats {
		stats[chain] = st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = snap.RecentEvents
	c.stats = stats
	for _, e := range snap.RecentEvents {
		c.seen.Add(e.Key())
	}
}

// refreshSnapshot seeds local state over REST. Failures leave the previous
// state in place.
func (c *FeedClient) refreshSnapshot(ctx context.Context) {
	if c.cfg.APIURL == "" {
		return
	}

	var recent struct {
		Events []models.BurnEvent `json:"events"`
	}
	q := url.Values{"limit": {strconv.Itoa(ClientWindow)}}
	if err := c.getJSON(ctx, "/api/buybacks/recent?"+q.Encode(), &recent); err != nil {
		c.logger.Warnw("Failed to fetch recent buybacks", "error", err)
		return
	}

	stats := map[models.Chain]models.ChainStats{}
	if err := c.getJSON(ctx, "/api/buybacks/stats", &stats); err != nil {
		c.logger.Warnw("Failed to fetch buyback stats", "error", err)
		return
	}

	valid := recent.Events[:0]
	for _, e := range recent.Events {
		if err := e.Validate(); err != nil {
			c.logger.Warnw("Skipping malformed snapshot event", "error", err)
			continue
		}
		valid = append(valid, e)
	}
	c.replace(models.FeedSnapshot{RecentEvents: valid, Stats: stats})
}

func (c *FeedClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Transient("GET "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Transient("GET "+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.Data("GET "+path, err)
	}
	return nil
}

func (c *FeedClient) headers() http.Header {
	headers := http.Header{}
	for key, value := range c.cfg.Headers {
		headers.Set(key, value)
	}
	return headers
}
