// File: main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"tickchart/internal/feed"
	"tickchart/internal/hub"
	"tickchart/internal/market"
	"tickchart/internal/metrics"
	"tickchart/internal/series"
	"tickchart/internal/session"
)

/* ====================
   Config & Inputs
   ==================== */

type AppConfig struct {
	ServerPort    int    `yaml:"server_port"`
	DefaultSymbol string `yaml:"default_symbol"`
	History       struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"history"`
	Live struct {
		WsURL string `yaml:"ws_url"`
	} `yaml:"live"`
	Reconcile struct {
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"reconcile"`
	Market struct {
		Open        string `yaml:"open"`
		Close       string `yaml:"close"`
		Timezone    string `yaml:"timezone"`
		PollSeconds int    `yaml:"poll_seconds"`
	} `yaml:"market"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type WatchEntry struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name,omitempty"`
}
type WatchlistFile struct {
	Watchlist []WatchEntry `yaml:"watchlist"`
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

func newLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}

/* ====================
   main
   ==================== */

func main() {
	portOverride := flag.Int("port", 0, "override server_port")
	flag.Parse()

	_ = godotenv.Load(".env")
	apiKey := strings.TrimSpace(os.Getenv("FEED_API_KEY"))

	var cfg AppConfig
	if err := loadYAML("config.yaml", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load config.yaml: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 8089
	}
	if *portOverride != 0 {
		cfg.ServerPort = *portOverride
	}
	if cfg.Reconcile.Epsilon <= 0 {
		cfg.Reconcile.Epsilon = series.DefaultEpsilon
	}
	if cfg.Market.Open == "" {
		cfg.Market.Open = "09:00"
	}
	if cfg.Market.Close == "" {
		cfg.Market.Close = "15:30"
	}
	if cfg.Market.Timezone == "" {
		cfg.Market.Timezone = "America/New_York"
	}
	if cfg.Market.PollSeconds <= 0 {
		cfg.Market.PollSeconds = 60
	}
	if cfg.History.TimeoutSeconds <= 0 {
		cfg.History.TimeoutSeconds = 10
	}

	log := newLogger(cfg.Logging.Level)
	defer log.Sync()

	if apiKey == "" {
		log.Warn("FEED_API_KEY is empty; live feed auth will likely be rejected")
	}

	var wl WatchlistFile
	if err := loadYAML("watchlist.yaml", &wl); err != nil {
		log.Fatal("load watchlist.yaml", zap.Error(err))
	}
	var symbols []string
	seen := make(map[string]struct{})
	for _, w := range wl.Watchlist {
		s := strings.ToUpper(strings.TrimSpace(w.Symbol))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		log.Fatal("watchlist is empty")
	}

	clock, err := market.NewClock(cfg.Market.Open, cfg.Market.Close, cfg.Market.Timezone)
	if err != nil {
		log.Fatal("market clock", zap.Error(err))
	}

	store := series.NewStore(cfg.Reconcile.Epsilon)
	broker := feed.NewBroker(cfg.Live.WsURL, apiKey, log.Named("feed"))
	histClient := feed.NewHistoryClient(cfg.History.BaseURL,
		&http.Client{Timeout: time.Duration(cfg.History.TimeoutSeconds) * time.Second},
		log.Named("history"))

	h := hub.New(log.Named("hub"))
	store.OnChange(func(symbol string, version uint64) {
		delta := store.Delta(symbol)
		h.Broadcast(hub.ChangedMsg{
			Type:      "series_changed",
			Symbol:    symbol,
			Version:   version,
			Delta:     delta,
			Direction: series.Direction(delta),
		})
	})

	ctrl := session.New(store, histClient, broker, clock, symbols,
		time.Duration(cfg.Market.PollSeconds)*time.Second, log.Named("session"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go ctrl.Run(ctx)

	// initial mount
	defaultSym := strings.ToUpper(strings.TrimSpace(cfg.DefaultSymbol))
	if defaultSym == "" {
		defaultSym = symbols[0]
	}
	if err := ctrl.Select(defaultSym); err != nil {
		log.Fatal("select default symbol", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS())
	mux.Handle("/metrics", metrics.Handler())

	// pull-based presentation reads
	mux.HandleFunc("/api/series", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		sym := selectedOrQuery(r, ctrl)
		trades := store.Get(sym)
		if trades == nil {
			trades = []series.Trade{}
		}
		delta := store.Delta(sym)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"symbol":    sym,
			"version":   store.Version(sym),
			"delta":     delta,
			"direction": series.Direction(delta),
			"trades":    trades,
		})
	})
	mux.HandleFunc("/api/delta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		sym := selectedOrQuery(r, ctrl)
		delta := store.Delta(sym)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":    sym,
			"version":   store.Version(sym),
			"delta":     delta,
			"direction": series.Direction(delta),
		})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		st := ctrl.Status()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":       st.State,
			"symbol":      st.Symbol,
			"market_open": st.MarketOpen,
			"port":        cfg.ServerPort,
		})
	})
	mux.HandleFunc("/api/select", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Symbol string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := ctrl.Select(req.Symbol); err != nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		h.Broadcast(hub.StatusMsg{Type: "status", Level: "info",
			Text: "Loading " + strings.ToUpper(strings.TrimSpace(req.Symbol))})
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/watchlist", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"symbols": symbols})
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shCtx)
	}()

	log.Info("serving", zap.Int("port", cfg.ServerPort), zap.String("default_symbol", defaultSym))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", zap.Error(err))
	}
}

func selectedOrQuery(r *http.Request, ctrl *session.Controller) string {
	sym := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if sym == "" {
		sym = ctrl.Status().Symbol
	}
	return sym
}
