// File: internal/feed/broker.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickchart/internal/series"
)

// Broker maintains the single shared live-feed connection. The session
// controller drives its lifecycle: Connect/Disconnect follow the market
// gate, and Join/Leave re-issue subscribe messages on the same connection
// when the selected symbol changes. Trade events come out on Ticks()
// unordered across symbols; ordering within a symbol is best-effort only.
type Broker struct {
	wsURL  string
	apiKey string
	log    *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	joined   map[string]struct{}
	outbound chan wsMsg
	ticks    chan series.RawTrade
}

type wsMsg struct {
	Action string `json:"action"`
	Params string `json:"params,omitempty"`
}

func authMsg(key string) wsMsg  { return wsMsg{Action: "auth", Params: key} }
func joinMsg(sym string) wsMsg  { return wsMsg{Action: "subscribe", Params: "T." + sym} }
func leaveMsg(sym string) wsMsg { return wsMsg{Action: "unsubscribe", Params: "T." + sym} }

func NewBroker(wsURL, apiKey string, log *zap.Logger) *Broker {
	return &Broker{
		wsURL:    wsURL,
		apiKey:   apiKey,
		log:      log,
		joined:   make(map[string]struct{}),
		outbound: make(chan wsMsg, 64),
		ticks:    make(chan series.RawTrade, 256),
	}
}

// Ticks is the inbound trade-event stream. The channel stays valid across
// connects and disconnects; it is simply quiet while disconnected.
func (b *Broker) Ticks() <-chan series.RawTrade {
	return b.ticks
}

// Connect starts the connection loop if it is not already running.
// The loop redials with exponential backoff until Disconnect.
func (b *Broker) Connect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
}

// Disconnect tears the connection down entirely. Joined symbols are kept,
// so a later Connect resubscribes them.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// Join subscribes the symbol on the shared connection.
func (b *Broker) Join(symbol string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return
	}
	b.mu.Lock()
	_, already := b.joined[s]
	b.joined[s] = struct{}{}
	b.mu.Unlock()
	if already {
		return
	}
	// Non-blocking: if the loop is down, the reconnect path resubscribes.
	select {
	case b.outbound <- joinMsg(s):
	default:
	}
}

// Leave unsubscribes the symbol and drops it from the resubscribe set.
func (b *Broker) Leave(symbol string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return
	}
	b.mu.Lock()
	delete(b.joined, s)
	b.mu.Unlock()
	select {
	case b.outbound <- leaveMsg(s):
	default:
	}
}

func (b *Broker) run(ctx context.Context) {
	backoff := time.Second
	for {
		err := b.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("feed disconnected", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (b *Broker) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(authMsg(b.apiKey)); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	// resubscribe whatever the controller currently wants
	b.mu.Lock()
	for s := range b.joined {
		_ = conn.WriteJSON(joinMsg(s))
	}
	b.mu.Unlock()

	ping := time.NewTicker(45 * time.Second)
	defer ping.Stop()

	errCh := make(chan error, 1)
	go func() {
		for {
			var msgs []json.RawMessage
			if err := conn.ReadJSON(&msgs); err != nil {
				errCh <- err
				return
			}
			for _, raw := range msgs {
				var ev struct {
					Ev string `json:"ev"`
				}
				_ = json.Unmarshal(raw, &ev)
				if ev.Ev != "T" {
					continue // status and other event types
				}
				var t series.RawTrade
				if err := json.Unmarshal(raw, &t); err != nil {
					continue
				}
				select {
				case b.ticks <- t:
				default:
					// drop if the consumer is slow
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case msg := <-b.outbound:
			_ = conn.WriteJSON(msg)
		case err := <-errCh:
			return err
		}
	}
}
