package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func ok() Pinger { return PingerFunc(func(context.Context) error { return nil }) }

func failing() Pinger {
	return PingerFunc(func(context.Context) error { return context.DeadlineExceeded })
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Check
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without checks",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name:               "healthy with working database",
			checks:             []Check{{Name: "database", Pinger: ok()}},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{"database": true}},
		},
		{
			name:               "unhealthy with database ping failure",
			checks:             []Check{{Name: "database", Pinger: failing()}, {Name: "redis", Pinger: ok()}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false, "redis": true},
			},
		},
		{
			name:               "first failure names the message",
			checks:             []Check{{Name: "redis", Pinger: failing()}, {Name: "database", Pinger: failing()}},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "redis ping failed",
				Checks:  map[string]bool{"database": false, "redis": false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks...)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			if len(status.Checks) != len(tt.expectedStatus.Checks) {
				t.Fatalf("Status.Checks = %v, want %v", status.Checks, tt.expectedStatus.Checks)
			}
			for name, want := range tt.expectedStatus.Checks {
				if status.Checks[name] != want {
					t.Errorf("Status.Checks[%q] = %v, want %v", name, status.Checks[name], want)
				}
			}
		})
	}
}

func TestRun_TimeoutPerCheck(t *testing.T) {
	slow := PingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	st := Run(context.Background(), Check{Name: "slow", Pinger: slow})
	if st.OK {
		t.Error("Run() OK = true for a check that never answers")
	}
	if elapsed := time.Since(start); elapsed > DefaultTimeout+time.Second {
		t.Errorf("Run() took %v, want bounded by %v", elapsed, DefaultTimeout)
	}
}

func TestRedisPinger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if err := Redis(client).Ping(context.Background()); err != nil {
		t.Fatalf("Redis().Ping() error = %v", err)
	}

	mr.Close()
	if err := Redis(client).Ping(context.Background()); err == nil {
		t.Error("Redis().Ping() after shutdown error = nil")
	}
}

func TestWatch(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{name: "healthy dependencies", pinger: ok(), want: healthpb.HealthCheckResponse_SERVING},
		{name: "failing dependency", pinger: failing(), want: healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := grpc_health.NewServer()
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				Watch(ctx, hs, "hookrelay.Ingest", time.Hour, Check{Name: "database", Pinger: tt.pinger})
				close(done)
			}()

			deadline := time.Now().Add(2 * time.Second)
			var got healthpb.HealthCheckResponse_ServingStatus
			for time.Now().Before(deadline) {
				resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "hookrelay.Ingest"})
				if err == nil {
					got = resp.Status
					if got == tt.want {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
			}
			if got != tt.want {
				t.Errorf("serving status = %v, want %v", got, tt.want)
			}

			cancel()
			<-done
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
				t.Errorf("status after shutdown = %v, want NOT_SERVING", resp.Status)
			}
		})
	}
}
