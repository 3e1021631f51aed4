// File: internal/session/session_test.go
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tickchart/internal/series"
)

func fptr(v float64) *float64 { return &v }

func raw(sym string, ts int64, price float64) series.RawTrade {
	return series.RawTrade{Symbol: sym, Timestamp: float64(ts), Price: fptr(price)}
}

type fakeFeed struct {
	mu          sync.Mutex
	ticks       chan series.RawTrade
	connects    int
	disconnects int
	joined      []string
	left        []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ticks: make(chan series.RawTrade, 64)}
}

func (f *fakeFeed) Connect()    { f.mu.Lock(); f.connects++; f.mu.Unlock() }
func (f *fakeFeed) Disconnect() { f.mu.Lock(); f.disconnects++; f.mu.Unlock() }
func (f *fakeFeed) Join(s string) {
	f.mu.Lock()
	f.joined = append(f.joined, s)
	f.mu.Unlock()
}
func (f *fakeFeed) Leave(s string) {
	f.mu.Lock()
	f.left = append(f.left, s)
	f.mu.Unlock()
}
func (f *fakeFeed) Ticks() <-chan series.RawTrade { return f.ticks }

func (f *fakeFeed) lastJoined() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.joined) == 0 {
		return ""
	}
	return f.joined[len(f.joined)-1]
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

type fakeHistory struct {
	mu    sync.Mutex
	resp  map[string][]series.RawTrade
	fail  map[string]error
	gates map[string]chan struct{} // fetch blocks until the gate closes
	calls []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		resp:  make(map[string][]series.RawTrade),
		fail:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (h *fakeHistory) Fetch(ctx context.Context, symbol string) ([]series.RawTrade, error) {
	h.mu.Lock()
	h.calls = append(h.calls, symbol)
	gate := h.gates[symbol]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail[symbol]; err != nil {
		return nil, err
	}
	return h.resp[symbol], nil
}

type fakeGate struct{ open atomic.Bool }

func (g *fakeGate) OpenNow() bool { return g.open.Load() }

func newController(t *testing.T, hist *fakeHistory, feed *fakeFeed, gate *fakeGate) (*Controller, *series.Store, context.CancelFunc) {
	t.Helper()
	store := series.NewStore(0.001)
	c := New(store, hist, feed, gate, []string{"AAPL", "MSFT"}, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, store, cancel
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status().State == want },
		2*time.Second, 5*time.Millisecond, "expected state %s, last %s", want, c.Status().State)
}

func TestSelectRejectsUnknownSymbol(t *testing.T) {
	c, _, cancel := newController(t, newFakeHistory(), newFakeFeed(), &fakeGate{})
	defer cancel()

	assert.Error(t, c.Select("ZZZZ"))
	assert.Error(t, c.Select(""))
	assert.NoError(t, c.Select("aapl"))
}

func TestLoadThenLiveWhenMarketOpen(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50), raw("AAPL", 90, 49)}
	feed := newFakeFeed()
	gate := &fakeGate{}
	gate.open.Store(true)

	c, store, cancel := newController(t, hist, feed, gate)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)

	got := store.Get("AAPL")
	require.Len(t, got, 2)
	assert.Equal(t, int64(90), got[0].Time)
	assert.Equal(t, int64(100), got[1].Time)
	assert.Equal(t, "AAPL", feed.lastJoined())
	connects, _ := feed.counts()
	assert.GreaterOrEqual(t, connects, 1)
}

func TestLoadThenPausedWhenMarketClosed(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	feed := newFakeFeed()
	gate := &fakeGate{} // closed

	c, store, cancel := newController(t, hist, feed, gate)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StatePaused)

	require.Len(t, store.Get("AAPL"), 1)
	assert.Empty(t, feed.lastJoined(), "must not join while paused")
}

func TestTickDuringLoadingIsSuppressed(t *testing.T) {
	hist := newFakeHistory()
	gateCh := make(chan struct{})
	hist.gates["AAPL"] = gateCh
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, store, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	require.Eventually(t, func() bool { return c.Status().State == StateLoading },
		time.Second, time.Millisecond)

	// tick for the newly selected symbol arrives before the fetch settles
	feed.ticks <- raw("AAPL", 200, 99)
	time.Sleep(50 * time.Millisecond) // let the loop consume and drop it

	close(gateCh)
	waitState(t, c, StateLive)

	// series equals exactly the seeded batch; the suppressed tick is lost
	got := store.Get("AAPL")
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].Time)

	// and ticks merge normally once live
	feed.ticks <- raw("AAPL", 300, 51)
	require.Eventually(t, func() bool { return len(store.Get("AAPL")) == 2 },
		time.Second, time.Millisecond)
	assert.InDelta(t, 1.0, store.Delta("AAPL"), 1e-9)
}

func TestStaleFetchResultDiscarded(t *testing.T) {
	hist := newFakeHistory()
	slow := make(chan struct{})
	hist.gates["AAPL"] = slow
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 10, 1)}
	hist.resp["MSFT"] = []series.RawTrade{raw("MSFT", 20, 300)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, store, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	require.Eventually(t, func() bool { return c.Status().State == StateLoading },
		time.Second, time.Millisecond)
	require.NoError(t, c.Select("MSFT"))
	waitState(t, c, StateLive)
	require.Equal(t, "MSFT", c.Status().Symbol)

	// the superseded AAPL fetch settles late and must not seed anything
	close(slow)
	time.Sleep(50 * time.Millisecond)

	assert.Nil(t, store.Get("AAPL"))
	require.Len(t, store.Get("MSFT"), 1)
	assert.Equal(t, StateLive, c.Status().State)
}

func TestFetchFailureStillSettles(t *testing.T) {
	hist := newFakeHistory()
	hist.fail["AAPL"] = context.DeadlineExceeded
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, store, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)
	assert.Nil(t, store.Get("AAPL"), "failed fetch leaves the series unchanged")

	// live ticks are not suppressed indefinitely after the failure
	feed.ticks <- raw("AAPL", 100, 50)
	require.Eventually(t, func() bool { return len(store.Get("AAPL")) == 1 },
		time.Second, time.Millisecond)
}

func TestNonSelectedSymbolTicksIgnored(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, store, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)

	feed.ticks <- raw("MSFT", 200, 300)
	feed.ticks <- raw("AAPL", 200, 51)
	require.Eventually(t, func() bool { return len(store.Get("AAPL")) == 2 },
		time.Second, time.Millisecond)
	assert.Nil(t, store.Get("MSFT"))
}

func TestMarketCloseThenReopen(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, _, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)

	mkt.open.Store(false)
	waitState(t, c, StatePaused)
	require.Eventually(t, func() bool {
		_, disconnects := feed.counts()
		return disconnects >= 1
	}, time.Second, time.Millisecond, "pausing must drop the connection")

	mkt.open.Store(true)
	waitState(t, c, StateLive)
	connects, _ := feed.counts()
	assert.GreaterOrEqual(t, connects, 2, "reopening must reconnect")
	assert.Equal(t, "AAPL", feed.lastJoined())
}

func TestSymbolSwitchLeavesOldSymbol(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	hist.resp["MSFT"] = []series.RawTrade{raw("MSFT", 100, 300)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, store, cancel := newController(t, hist, feed, mkt)
	defer cancel()

	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)
	require.NoError(t, c.Select("MSFT"))
	waitState(t, c, StateLive)
	require.Eventually(t, func() bool { return c.Status().Symbol == "MSFT" },
		time.Second, time.Millisecond)

	feed.mu.Lock()
	left := append([]string(nil), feed.left...)
	feed.mu.Unlock()
	assert.Contains(t, left, "AAPL")
	assert.Equal(t, "MSFT", feed.lastJoined())
	require.Len(t, store.Get("MSFT"), 1)
}

func TestCloseDisconnectsFeed(t *testing.T) {
	hist := newFakeHistory()
	hist.resp["AAPL"] = []series.RawTrade{raw("AAPL", 100, 50)}
	feed := newFakeFeed()
	mkt := &fakeGate{}
	mkt.open.Store(true)

	c, _, cancel := newController(t, hist, feed, mkt)
	require.NoError(t, c.Select("AAPL"))
	waitState(t, c, StateLive)

	cancel()
	require.Eventually(t, func() bool {
		_, disconnects := feed.counts()
		return disconnects >= 1
	}, time.Second, time.Millisecond)
}
