package clientevent

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "jobrelay/pkg/logx"
)

type HubConfig struct {
	SendBuffer   int           // per-connection queue; full queues drop
	Heartbeat    time.Duration // HEARTBEAT event period; 0 disables
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Hub tracks websocket connections per user.
type Hub struct {
	cfg      HubConfig
	log      logx.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]map[*conn]struct{}
	closed bool

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

type conn struct {
	ws   *websocket.Conn
	user string
	send chan []byte
}

type HubStats struct {
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
	Dispatched  uint64 `json:"dispatched"`
	Dropped     uint64 `json:"dropped"`
}

func NewHub(cfg HubConfig, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		cfg: cfg.withDefaults(),
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: map[string]map[*conn]struct{}{},
	}
}

func (h *Hub) Dispatch(ev Event, userID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := h.conns[userID]
	if len(targets) == 0 {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("client event not serializable", logx.String("type", string(ev.Type)), logx.Err(err))
		return
	}
	// send channels are only closed under the write lock, so sending here is safe.
	for c := range targets {
		select {
		case c.send <- b:
			h.dispatched.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// ServeWS upgrades the request and serves events for userID until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &conn{ws: ws, user: userID, send: make(chan []byte, h.cfg.SendBuffer)}
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	h.log.Debug("client connected", logx.User(userID))

	go h.writePump(c)
	h.readPump(c)
	h.unregister(c)
	h.log.Debug("client disconnected", logx.User(userID))
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.conns[c.user]
	if set == nil {
		set = map[*conn]struct{}{}
		h.conns[c.user] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.user]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.user)
	}
	close(c.send)
}

// readPump discards client frames; it exists to process control frames and
// notice disconnects.
func (h *Hub) readPump(c *conn) {
	defer c.ws.Close()
	pongWait := h.cfg.PingInterval * 2
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	var beat <-chan time.Time
	if h.cfg.Heartbeat > 0 {
		t := time.NewTicker(h.cfg.Heartbeat)
		defer t.Stop()
		beat = t.C
	}
	defer c.ws.Close()

	write := func(typ int, b []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return c.ws.WriteMessage(typ, b)
	}
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-beat:
			b, _ := json.Marshal(New(Heartbeat, nil))
			if err := write(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// Connected returns the number of live connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	st := HubStats{Users: len(h.conns)}
	for _, set := range h.conns {
		st.Connections += len(set)
	}
	h.mu.RUnlock()
	st.Dispatched = h.dispatched.Load()
	st.Dropped = h.dropped.Load()
	return st
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for user, set := range h.conns {
		for c := range set {
			close(c.send)
		}
		delete(h.conns, user)
	}
}
