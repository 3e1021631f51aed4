// File: internal/feed/history_test.go
package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tickchart/internal/series"
)

func TestHistoryFetchDecodesMixedTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/history/AAPL", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"AAPL","timestamp":1700000000100,"price":187.1,"volume":50},
			{"symbol":"AAPL","timestamp":"1700000000200","price":187.2},
			{"symbol":"AAPL","timestamp":"2023-11-14T22:13:20.3Z","price":187.3}
		]`))
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, srv.Client(), zap.NewNop())
	raws, err := c.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, raws, 3)

	for _, raw := range raws {
		_, err := series.Normalize(raw)
		assert.NoError(t, err)
	}
}

func TestHistoryFetchNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, srv.Client(), zap.NewNop())
	_, err := c.Fetch(context.Background(), "AAPL")
	assert.ErrorContains(t, err, "502")
}

func TestHistoryFetchBadBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, srv.Client(), zap.NewNop())
	_, err := c.Fetch(context.Background(), "AAPL")
	assert.Error(t, err)
}

func TestHistoryFetchHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewHistoryClient(srv.URL, srv.Client(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "AAPL")
	assert.Error(t, err)
}
