package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
)

// maxBody bounds what the receiver reads from a webhook request.
const maxBody = 1 << 20

func main() {
	cfg := config.FromEnv().FakeReceiver
	logger := logging.New("fake-receiver")
	defer func() { _ = logger.Sync() }()

	rcv := newReceiver(cfg, logger)
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"verify":       cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

// receiver is a webhook endpoint for local runs and end-to-end tests. It
// fails the first N requests, verifies signatures when a secret is set and
// counts distinct delivery IDs so duplicate deliveries are visible.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	requests atomic.Int64
	mu       sync.Mutex
	seen     map[string]int // delivery id -> times received with 2xx
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &receiver{cfg: cfg, logger: logger, seen: make(map[string]int)}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/stats", rc.handleStats)
	return mux
}

type stats struct {
	Requests         int64 `json:"requests"`
	UniqueDeliveries int   `json:"unique_deliveries"`
	Duplicates       int   `json:"duplicates"`
}

func (rc *receiver) stats() stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	st := stats{Requests: rc.requests.Load(), UniqueDeliveries: len(rc.seen)}
	for _, n := range rc.seen {
		st.Duplicates += n - 1
	}
	return st
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.stats())
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rc.requests.Add(1)
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	entry := rc.logger.WithContext(r.Context()).WithFields(map[string]any{
		"delivery_id": r.Header.Get(delivery.DeliveryIDHeader),
		"event":       r.Header.Get(delivery.EventTypeHeader),
		"retry_count": r.Header.Get(delivery.RetryCountHeader),
		"body":        truncate(string(b), 160),
	})

	if rc.cfg.EndpointSecret != "" && !delivery.Verify(rc.cfg.EndpointSecret, b, r.Header.Get(delivery.SignatureHeader)) {
		entry.Warn("signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	if n <= int64(rc.cfg.FailFirstN) {
		entry.Infof("failing request %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if id := r.Header.Get(delivery.DeliveryIDHeader); id != "" {
		rc.mu.Lock()
		rc.seen[id]++
		rc.mu.Unlock()
	}
	entry.Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate shortens s to n bytes and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
