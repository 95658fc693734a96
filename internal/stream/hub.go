// Package stream fans bus events out to websocket clients as JSON.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/events"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	clientBuffer = 64
)

type client struct {
	conn    *websocket.Conn
	send    chan events.Event
	session string
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub relays every bus event to connected clients. A client that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	upgrader    websocket.Upgrader
	log         *zap.Logger
	unsubscribe func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub subscribes to bus
func NewHub(bus *events.Bus, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log,
		clients: map[*client]struct{}{},
	}
	h.unsubscribe = bus.Subscribe(h.broadcast)
	return h
}

func (h *Hub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.session != "" && ev.SessionID != "" && c.session != ev.SessionID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.log.Warn("stream client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. ?session=<id> limits the stream to one
// session; events without a session id are always delivered.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan events.Event, clientBuffer), session: r.URL.Query().Get("session")}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("stream client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readPump only exists to notice the peer going away and to answer pongs
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// Close unsubscribes from the bus and disconnects every client
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Serve exposes the stream at /events on addr until ctx ends
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	h.log.Info("event stream listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
