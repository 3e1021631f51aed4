// File: internal/series/trade.go
package series

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trade is the canonical in-memory trade record. Time is epoch milliseconds.
type Trade struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// RawTrade is a trade as delivered by the historical endpoint or the live
// feed. Timestamp may arrive as an epoch-millis number, a numeric string,
// or an RFC3339 string depending on the source.
type RawTrade struct {
	Symbol    string   `json:"symbol"`
	Timestamp any      `json:"timestamp"`
	Price     *float64 `json:"price"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Normalize shapes a raw record into a canonical Trade. Records with a
// missing/non-positive price, an unparsable timestamp, a negative volume,
// or an empty symbol are rejected; callers drop them with a warning.
func Normalize(r RawTrade) (Trade, error) {
	sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if sym == "" {
		return Trade{}, fmt.Errorf("empty symbol")
	}
	if r.Price == nil || *r.Price <= 0 {
		return Trade{}, fmt.Errorf("missing or non-positive price")
	}
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return Trade{}, fmt.Errorf("timestamp: %w", err)
	}
	var vol int64
	if r.Volume != nil {
		if *r.Volume < 0 {
			return Trade{}, fmt.Errorf("negative volume")
		}
		vol = int64(*r.Volume)
	}
	return Trade{Symbol: sym, Time: ts, Price: *r.Price, Volume: vol}, nil
}

func parseTimestamp(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("bad numeric timestamp %q", t.String())
		}
		return n, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, fmt.Errorf("empty timestamp")
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.UnixNano() / int64(time.Millisecond), nil
		}
		return 0, fmt.Errorf("unparsable timestamp %q", s)
	case nil:
		return 0, fmt.Errorf("missing timestamp")
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
