// File: internal/session/session.go
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickchart/internal/metrics"
	"tickchart/internal/series"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLive    State = "live"
	StatePaused  State = "paused"
)

// TickSource is the live trade feed. One shared connection; Join/Leave
// switch symbols on it rather than opening new connections.
type TickSource interface {
	Connect()
	Disconnect()
	Join(symbol string)
	Leave(symbol string)
	Ticks() <-chan series.RawTrade
}

// HistorySource returns the one-shot historical snapshot for a symbol.
type HistorySource interface {
	Fetch(ctx context.Context, symbol string) ([]series.RawTrade, error)
}

// MarketGate is the market-open predicate, sampled on a fixed interval.
type MarketGate interface {
	OpenNow() bool
}

// Status is the controller's externally visible snapshot.
type Status struct {
	State      State  `json:"state"`
	Symbol     string `json:"symbol"`
	MarketOpen bool   `json:"market_open"`
}

type fetchResult struct {
	symbol string
	trades []series.RawTrade
	err    error
}

// Controller owns the per-symbol subscription lifecycle:
// IDLE -> LOADING -> LIVE, with PAUSED while the market is closed.
//
// All state transitions happen on the single Run goroutine, which
// serializes symbol selections, fetch settlements, live ticks, and market
// samples. Two independent guards protect against the fetch-vs-tick race:
// ticks are suppressed wholesale while LOADING, and a fetch result whose
// requested symbol no longer matches the selection is discarded as stale.
type Controller struct {
	store    *series.Store
	hist     HistorySource
	feed     TickSource
	gate     MarketGate
	log      *zap.Logger
	universe map[string]struct{}
	poll     time.Duration
	fetchTTL time.Duration

	selectCh chan string
	fetchCh  chan fetchResult

	mu         sync.RWMutex
	state      State
	symbol     string
	marketOpen bool
}

func New(store *series.Store, hist HistorySource, feed TickSource, gate MarketGate, universe []string, poll time.Duration, log *zap.Logger) *Controller {
	u := make(map[string]struct{}, len(universe))
	for _, s := range universe {
		if ss := strings.ToUpper(strings.TrimSpace(s)); ss != "" {
			u[ss] = struct{}{}
		}
	}
	if poll <= 0 {
		poll = time.Minute
	}
	return &Controller{
		store:    store,
		hist:     hist,
		feed:     feed,
		gate:     gate,
		log:      log,
		universe: u,
		poll:     poll,
		fetchTTL: 30 * time.Second,
		selectCh: make(chan string, 8),
		fetchCh:  make(chan fetchResult, 8),
		state:    StateIdle,
	}
}

// Select switches the active symbol. The symbol must belong to the
// configured universe. Re-selecting the current symbol reloads it.
func (c *Controller) Select(symbol string) error {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return fmt.Errorf("empty symbol")
	}
	if _, ok := c.universe[s]; !ok {
		return fmt.Errorf("symbol %s not in watchlist", s)
	}
	c.selectCh <- s
	return nil
}

// Status returns the current session snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{State: c.state, Symbol: c.symbol, MarketOpen: c.marketOpen}
}

// Run drives the controller until ctx is cancelled. On exit the live
// connection is torn down.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.marketOpen = c.gate.OpenNow()
	c.mu.Unlock()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.feed.Disconnect()
			return
		case sym := <-c.selectCh:
			c.beginLoad(ctx, sym)
		case res := <-c.fetchCh:
			c.settle(res)
		case raw := <-c.feed.Ticks():
			c.onTick(raw)
		case <-ticker.C:
			c.onMarketSample()
		}
	}
}

func (c *Controller) beginLoad(ctx context.Context, symbol string) {
	c.mu.Lock()
	prev := c.symbol
	c.symbol = symbol
	c.state = StateLoading
	c.mu.Unlock()

	if prev != "" && prev != symbol {
		c.feed.Leave(prev)
	}
	c.log.Info("loading symbol", zap.String("symbol", symbol))

	// The requested symbol travels with the result; settle compares it
	// against the selection at arrival time instead of cancelling.
	go func() {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTTL)
		defer cancel()
		trades, err := c.hist.Fetch(fctx, symbol)
		select {
		case c.fetchCh <- fetchResult{symbol: symbol, trades: trades, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) settle(res fetchResult) {
	c.mu.RLock()
	current := c.symbol
	c.mu.RUnlock()

	if res.symbol != current {
		// expected race after a quick symbol switch, not a fault
		metrics.HistoryFetches.WithLabelValues("stale").Inc()
		c.log.Debug("stale history result discarded", zap.String("symbol", res.symbol))
		return
	}

	if res.err != nil {
		// leave the prior series in place but settle anyway, so live
		// ticks are not suppressed indefinitely
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		c.log.Error("history fetch failed", zap.String("symbol", res.symbol), zap.Error(res.err))
	} else {
		trades := make([]series.Trade, 0, len(res.trades))
		for _, raw := range res.trades {
			t, err := series.Normalize(raw)
			if err != nil {
				metrics.RecordsDropped.WithLabelValues("history").Inc()
				c.log.Warn("dropping malformed history record", zap.String("symbol", res.symbol), zap.Error(err))
				continue
			}
			trades = append(trades, t)
		}
		n := c.store.Seed(res.symbol, trades)
		metrics.HistoryFetches.WithLabelValues("ok").Inc()
		c.log.Info("series seeded", zap.String("symbol", res.symbol), zap.Int("points", n))
	}

	if c.gate.OpenNow() {
		c.goLive(res.symbol)
	} else {
		c.goPaused()
	}
}

func (c *Controller) onTick(raw series.RawTrade) {
	c.mu.RLock()
	state, symbol := c.state, c.symbol
	c.mu.RUnlock()

	// The loading gate: nothing merges while a seed is in flight, so a
	// live tick can never be overwritten by the late wholesale replace.
	if state == StateLoading {
		metrics.TicksSuppressed.WithLabelValues("loading").Inc()
		return
	}

	t, err := series.Normalize(raw)
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("live").Inc()
		c.log.Warn("dropping malformed tick", zap.Error(err))
		return
	}
	metrics.TicksIngested.WithLabelValues(t.Symbol).Inc()

	if t.Symbol != symbol {
		metrics.TicksSuppressed.WithLabelValues("other_symbol").Inc()
		return
	}
	if state != StateLive {
		metrics.TicksSuppressed.WithLabelValues("inactive").Inc()
		return
	}

	res := c.store.Merge(t.Symbol, t)
	metrics.Merges.WithLabelValues(t.Symbol, res.String()).Inc()
}

func (c *Controller) onMarketSample() {
	open := c.gate.OpenNow()

	c.mu.Lock()
	c.marketOpen = open
	state, symbol := c.state, c.symbol
	c.mu.Unlock()

	switch {
	case state == StateLive && !open:
		c.log.Info("market closed, pausing")
		c.goPaused()
	case state == StatePaused && open && symbol != "":
		c.log.Info("market open, resuming", zap.String("symbol", symbol))
		c.goLive(symbol)
	}
	// LOADING defers the decision to settle; IDLE has nothing to resume.
}

func (c *Controller) goLive(symbol string) {
	c.mu.Lock()
	c.state = StateLive
	c.mu.Unlock()
	c.feed.Connect()
	c.feed.Join(symbol)
}

func (c *Controller) goPaused() {
	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()
	// no point holding an idle connection outside trading hours
	c.feed.Disconnect()
}
