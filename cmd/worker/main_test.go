package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/lock"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

func TestSweepTimeout(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{0, 0},
		{-time.Second, 0},
		{10 * time.Second, 9 * time.Second},
		{25 * time.Second, 22500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.ttl.String(), func(t *testing.T) {
			if got := sweepTimeout(tt.ttl); got != tt.want {
				t.Errorf("sweepTimeout(%v) = %v, want %v", tt.ttl, got, tt.want)
			}
		})
	}
}

func TestSweepLocker(t *testing.T) {
	t.Run("local without redis", func(t *testing.T) {
		cfg := config.FromEnv()
		cfg.Redis.Addr = ""
		l, rdb := sweepLocker(cfg, logging.Nop())
		if rdb != nil {
			t.Error("redis client created without REDIS_ADDR")
		}
		if _, ok := l.(*lock.Local); !ok {
			t.Errorf("locker = %T, want *lock.Local", l)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.FromEnv()
		cfg.Redis.Addr = mr.Addr()
		cfg.Sweeper.LockTTL = 5 * time.Second

		l, rdb := sweepLocker(cfg, logging.Nop())
		if rdb == nil {
			t.Fatal("redis client = nil")
		}
		defer rdb.Close()

		ctx := context.Background()
		h, ok, err := l.TryLock(ctx, "hookrelay:sweeper")
		if err != nil || !ok {
			t.Fatalf("TryLock() = %v, %v", ok, err)
		}
		if _, ok, _ := l.TryLock(ctx, "hookrelay:sweeper"); ok {
			t.Error("second TryLock() acquired a held lock")
		}
		if err := h.Unlock(ctx); err != nil {
			t.Errorf("Unlock() error = %v", err)
		}
	})
}

func TestNewMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordSweepSkipped()

	tests := []struct {
		name     string
		checks   []health.Check
		path     string
		wantCode int
		wantBody string
	}{
		{
			name:     "healthy",
			checks:   []health.Check{{Name: "postgres", Pinger: health.PingerFunc(func(context.Context) error { return nil })}},
			path:     "/healthz",
			wantCode: http.StatusOK,
			wantBody: `"ok":true`,
		},
		{
			name:     "unhealthy",
			checks:   []health.Check{{Name: "redis", Pinger: health.PingerFunc(func(context.Context) error { return context.DeadlineExceeded })}},
			path:     "/healthz",
			wantCode: http.StatusServiceUnavailable,
			wantBody: "redis",
		},
		{
			name:     "metrics",
			path:     "/metrics",
			wantCode: http.StatusOK,
			wantBody: "hookrelay_sweeps_total",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newMux(reg, tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
