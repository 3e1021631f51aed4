// File: internal/feed/history.go
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"tickchart/internal/series"
)

// HistoryClient fetches the one-shot historical snapshot for a symbol.
// The endpoint is a black box returning a JSON array of raw trade records,
// possibly unordered and possibly containing duplicate timestamps; the
// series store's seed sorts and dedupes.
type HistoryClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHistoryClient(baseURL string, client *http.Client, log *zap.Logger) *HistoryClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		log:     log,
	}
}

func (c *HistoryClient) Fetch(ctx context.Context, symbol string) ([]series.RawTrade, error) {
	u := fmt.Sprintf("%s/v1/history/%s", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("history http %d", resp.StatusCode)
	}
	var out []series.RawTrade
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	c.log.Debug("history fetched", zap.String("symbol", symbol), zap.Int("records", len(out)))
	return out, nil
}
