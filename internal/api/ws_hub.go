package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/metrics"
	"github.com/atmx/vault-ledger/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSHub streams committed ledger events to WebSocket clients. It is an
// events.Publisher; clients may narrow the stream to one entity with
// ?ref=<key>.
type WSHub struct {
	clients    map[*websocket.Conn]model.Key // value is the ref filter, "" for all
	broadcast  chan events.Envelope
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

type subscription struct {
	conn *websocket.Conn
	ref  model.Key
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]model.Key),
		broadcast:  make(chan events.Envelope, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.ref
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Debug().Int("total", total).Str("ref", sub.ref.String()).Msg("ws client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case env := <-h.broadcast:
			h.send(env)
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

func (h *WSHub) send(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", env.ID.String()).Msg("marshal envelope")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ref := range h.clients {
		if ref != "" && !env.References(ref) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Publish queues env for broadcast. It never blocks; a full buffer drops
// the event.
func (h *WSHub) Publish(_ context.Context, env events.Envelope) error {
	select {
	case h.broadcast <- env:
		return nil
	default:
		metrics.PublishFailures.WithLabelValues("websocket").Inc()
		return fmt.Errorf("api: websocket buffer full, dropped %s %s", env.Type, env.ID)
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	select {
	case h.register <- subscription{conn: conn, ref: model.Key(r.URL.Query().Get("ref"))}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe alongside the hub's writes.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
