// File: internal/hub/hub.go
package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StatusMsg is an informational banner for connected UIs.
type StatusMsg struct {
	Type  string `json:"type"` // "status"
	Level string `json:"level"`
	Text  string `json:"text"`
}

// ChangedMsg signals that a symbol's series mutated. Consumers re-pull the
// series; the payload carries just enough to color the indicator without
// a round trip.
type ChangedMsg struct {
	Type      string  `json:"type"` // "series_changed"
	Symbol    string  `json:"symbol"`
	Version   uint64  `json:"version"`
	Delta     float64 `json:"delta"`
	Direction string  `json:"direction"`
}

type controlMsg struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

type client struct {
	conn   *websocket.Conn
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

// Hub fans change notifications out to browser clients over websockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *zap.Logger
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

// Broadcast sends v to every connected client, dropping for slow ones.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.out <- v:
		default:
		}
	}
}

// ServeWS upgrades the request and pumps notifications until the client
// goes away. Clients may pause/resume their own delivery with a control
// message; status banners still go through while paused.
func (h *Hub) ServeWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cl := &client{conn: conn, out: make(chan any, 256), done: make(chan struct{})}
		h.mu.Lock()
		h.clients[cl] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		h.log.Debug("client connected", zap.Int("clients", n))

		// writer
		go func() {
			ping := time.NewTicker(45 * time.Second)
			defer ping.Stop()
			for {
				select {
				case v := <-cl.out:
					if cl.paused.Load() {
						if _, ok := v.(StatusMsg); !ok {
							continue
						}
					}
					_ = conn.WriteJSON(v)
				case <-ping.C:
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				case <-cl.done:
					return
				}
			}
		}()

		select {
		case cl.out <- StatusMsg{Type: "status", Level: "info", Text: "Connected"}:
		default:
		}

		// reader
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			return nil
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ctrl controlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
				continue
			}
			switch strings.ToLower(ctrl.Action) {
			case "pause":
				cl.paused.Store(true)
			case "resume":
				cl.paused.Store(false)
			}
		}

		close(cl.done)
		h.mu.Lock()
		delete(h.clients, cl)
		n = len(h.clients)
		h.mu.Unlock()
		h.log.Debug("client disconnected", zap.Int("clients", n))
	}
}
