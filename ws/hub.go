package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"buyback_feed/aggregator"
	"buyback_feed/metrics"
	"buyback_feed/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

type HubConfig struct {
	SendBuffer   int
	JoinWindow   time.Duration
	PingInterval time.Duration
}

// Hub fans accepted burn events out to websocket subscribers. Every
// subscriber gets a snapshot first, then each later event exactly once.
type Hub struct {
	agg      *aggregator.Aggregator
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn     *websocket.Conn
	addr     string
	send     chan []byte
	joinedAt time.Time

	// keys delivered in the snapshot; cleared once the join window passes
	snapshotKeys map[string]struct{}
}

func NewHub(agg *aggregator.Aggregator, cfg HubConfig, logger *zap.SugaredLogger) *Hub {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	h := &Hub{
		agg:    agg,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	agg.OnIngest(h.broadcast)
	return h
}

// ServeWS upgrades the request and registers the connection as a subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sub := &subscriber{
		conn:     conn,
		addr:     r.RemoteAddr,
		send:     make(chan []byte, h.cfg.SendBuffer),
		joinedAt: time.Now(),
	}

	var joinErr error
	h.agg.Join(func(snap models.FeedSnapshot) {
		payload, err := json.Marshal(models.NewSnapshotMessage(snap))
		if err != nil {
			joinErr = err
			return
		}
		sub.send <- payload
		sub.snapshotKeys = make(map[string]struct{}, len(snap.RecentEvents))
		for _, e := range snap.RecentEvents {
			sub.snapshotKeys[e.Key()] = struct{}{}
		}
		joinErr = h.add(sub)
	})
	if joinErr != nil {
		h.logger.Warnw("Subscriber rejected", "error", joinErr, "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}

	h.logger.Infow("Subscriber joined", "remote_addr", r.RemoteAddr)
	go h.writePump(sub)
	go h.readPump(sub)
}

func (h *Hub) add(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return http.ErrServerClosed
	}
	h.subs[sub] = struct{}{}
	metrics.SetSubscribers(len(h.subs))
	return nil
}

// remove unregisters sub and closes its queue; the write pump then closes the
// connection. Safe to call more than once.
func (h *Hub) remove(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) bool {
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	close(sub.send)
	metrics.SetSubscribers(len(h.subs))
	return true
}

// broadcast runs as an aggregator listener, so events arrive one at a time
// in ingest order. It never blocks on a slow subscriber.
func (h *Hub) broadcast(event models.BurnEvent) {
	payload, err := json.Marshal(models.NewBuybackMessage(event))
	if err != nil {
		h.logger.Errorw("Failed to encode buyback message", "error", err, "key", event.Key())
		return
	}
	key := event.Key()
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.snapshotKeys != nil {
			if now.Sub(sub.joinedAt) > h.cfg.JoinWindow {
				sub.snapshotKeys = nil
			} else if _, dup := sub.snapshotKeys[key]; dup {
				continue
			}
		}
		select {
		case sub.send <- payload:
		default:
			h.logger.Warnw("Subscriber queue full, pruning", "remote_addr", sub.addr)
			h.removeLocked(sub)
			metrics.IncrementPruned()
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debugw("Subscriber write failed", "error", err)
				if h.remove(sub) {
					metrics.IncrementPruned()
				}
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if h.remove(sub) {
					metrics.IncrementPruned()
				}
				return
			}
		}
	}
}

// readPump only exists to process control frames and notice disconnects.
func (h *Hub) readPump(sub *subscriber) {
	pongWait := 3 * h.cfg.PingInterval
	sub.conn.SetReadLimit(maxMessageSize)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("Subscriber read failed", "error", err)
			}
			if h.remove(sub) {
				h.logger.Infow("Subscriber left", "remote_addr", sub.addr)
			}
			return
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}
