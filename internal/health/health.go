package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultTimeout bounds every individual check.
const DefaultTimeout = time.Second

// Pinger is satisfied by *pgxpool.Pool and the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Redis wraps a go-redis client as a Pinger.
func Redis(client redis.UniversalClient) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Check is a named dependency probe.
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Run probes every check and reports the combined status.
func Run(ctx context.Context, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) > 0 {
		st.Checks = make(map[string]bool, len(checks))
	}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		err := c.Pinger.Ping(cctx)
		cancel()

		st.Checks[c.Name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = c.Name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch runs the checks every interval and mirrors the result into the
// gRPC health server for service (and the overall "" entry) until ctx ends.
func Watch(ctx context.Context, hs *grpc_health.Server, service string, interval time.Duration, checks ...Check) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Run(ctx, checks...).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		if service != "" {
			hs.SetServingStatus(service, status)
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
