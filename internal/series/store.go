// File: internal/series/store.go
package series

import (
	"sort"
	"sync"
)

// DefaultEpsilon is the price tolerance below which a same-timestamp tick
// counts as a redelivery of the same trade rather than a correction.
const DefaultEpsilon = 0.001

// MergeResult reports how a live tick was reconciled into a series.
type MergeResult int

const (
	MergeAppended MergeResult = iota
	MergeCorrected
	MergeDuplicate
	MergeOutOfOrder
)

func (r MergeResult) String() string {
	switch r {
	case MergeAppended:
		return "appended"
	case MergeCorrected:
		return "corrected"
	case MergeDuplicate:
		return "duplicate"
	default:
		return "out_of_order"
	}
}

// Direction is the tri-state sign of a delta, used for chart coloring.
func Direction(delta float64) string {
	switch {
	case delta > 0:
		return "up"
	case delta < 0:
		return "down"
	default:
		return "flat"
	}
}

type symbolSeries struct {
	trades  []Trade
	delta   float64
	version uint64
}

// Store holds one ordered, deduplicated trade series per symbol. Series are
// created lazily on first seed and never deleted; timestamps act as the
// identity key within a symbol. Invariant: store order is strictly
// increasing in timestamp.
type Store struct {
	mu       sync.RWMutex
	epsilon  float64
	bySymbol map[string]*symbolSeries
	onChange func(symbol string, version uint64)
}

func NewStore(epsilon float64) *Store {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Store{
		epsilon:  epsilon,
		bySymbol: make(map[string]*symbolSeries),
	}
}

// OnChange registers a callback fired after every successful mutation
// (seed, append, correction). Set once during wiring, before any traffic.
func (s *Store) OnChange(fn func(symbol string, version uint64)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Seed wholesale-replaces the symbol's series with a historical batch.
// The batch may be unsorted and may contain duplicate timestamps; records
// are sorted ascending and, per distinct timestamp, the last one in the
// batch's arrival order wins.
func (s *Store) Seed(symbol string, trades []Trade) int {
	sorted := make([]Trade, len(trades))
	copy(sorted, trades)
	// Stable keeps arrival order among equal timestamps, so the overwrite
	// below retains the last-arriving record.
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	deduped := sorted[:0]
	for _, t := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].Time == t.Time {
			deduped[n-1] = t
		} else {
			deduped = append(deduped, t)
		}
	}

	s.mu.Lock()
	st := s.series(symbol)
	st.trades = deduped
	st.delta = tailDelta(st.trades)
	st.version++
	fn, v := s.onChange, st.version
	s.mu.Unlock()

	if fn != nil {
		fn(symbol, v)
	}
	return len(deduped)
}

// Merge reconciles one live tick into the symbol's series:
//   - timestamp beyond the tail: append
//   - same timestamp, price within epsilon: duplicate delivery, dropped
//   - same timestamp, price diff >= epsilon: correction, tail replaced
//   - timestamp behind the tail: late arrival, dropped (the tail is never
//     reordered once live)
//
// The last-move delta is recomputed from the post-mutation tail pair.
func (s *Store) Merge(symbol string, t Trade) MergeResult {
	s.mu.Lock()
	st := s.series(symbol)

	var res MergeResult
	switch n := len(st.trades); {
	case n == 0:
		st.trades = append(st.trades, t)
		res = MergeAppended
	case t.Time > st.trades[n-1].Time:
		st.trades = append(st.trades, t)
		res = MergeAppended
	case t.Time == st.trades[n-1].Time:
		if diff := t.Price - st.trades[n-1].Price; diff < s.epsilon && diff > -s.epsilon {
			s.mu.Unlock()
			return MergeDuplicate
		}
		st.trades[n-1] = t
		res = MergeCorrected
	default:
		s.mu.Unlock()
		return MergeOutOfOrder
	}

	st.delta = tailDelta(st.trades)
	st.version++
	fn, v := s.onChange, st.version
	s.mu.Unlock()

	if fn != nil {
		fn(symbol, v)
	}
	return res
}

// Get returns a copy of the symbol's ordered series.
func (s *Store) Get(symbol string) []Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.bySymbol[symbol]
	if st == nil {
		return nil
	}
	out := make([]Trade, len(st.trades))
	copy(out, st.trades)
	return out
}

// Delta returns the cached signed difference between the last two prices
// of the symbol's series, or 0 when fewer than two points exist.
func (s *Store) Delta(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st := s.bySymbol[symbol]; st != nil {
		return st.delta
	}
	return 0
}

// Version returns the symbol's change counter. It increases on every
// successful mutation, so pull-based consumers can cheaply detect staleness.
func (s *Store) Version(symbol string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st := s.bySymbol[symbol]; st != nil {
		return st.version
	}
	return 0
}

// series returns the symbol's state, creating it lazily. Caller holds mu.
func (s *Store) series(symbol string) *symbolSeries {
	st, ok := s.bySymbol[symbol]
	if !ok {
		st = &symbolSeries{}
		s.bySymbol[symbol] = st
	}
	return st
}

func tailDelta(trades []Trade) float64 {
	if n := len(trades); n >= 2 {
		return trades[n-1].Price - trades[n-2].Price
	}
	return 0
}
