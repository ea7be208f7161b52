// Package ingest serves the tenant-facing management API over HTTP.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/health"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// API is the part of *delivery.Service the HTTP handlers use.
type API interface {
	CreateSubscription(ctx context.Context, tenantID, rawURL string, events []string) (*delivery.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*delivery.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (*delivery.Subscription, error)
	UpdateSubscription(ctx context.Context, tenantID, id string, patch delivery.SubscriptionPatch) (*delivery.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	RotateSecret(ctx context.Context, tenantID, id string) (*delivery.Subscription, error)
	ListDeliveries(ctx context.Context, tenantID, subscriptionID string, limit int) ([]*delivery.Delivery, error)
	GetDelivery(ctx context.Context, tenantID, subscriptionID, deliveryID string) (*delivery.Delivery, error)
	RetryDelivery(ctx context.Context, tenantID, subscriptionID, deliveryID string) (*delivery.Delivery, error)
	TriggerEvent(ctx context.Context, tenantID, eventType string, payload any) (delivery.Fanout, error)
	Sweep(ctx context.Context) (delivery.SweepResult, error)
	Policy() delivery.Policy
}

var _ API = (*delivery.Service)(nil)

// Paths served without a tenant.
const (
	PingPath    = "/v1/ping"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// Config configures a Server.
type Config struct {
	// Auth configures tenant resolution. Its Skip list is extended with the
	// unauthenticated paths above.
	Auth auth.MiddlewareConfig
	// HealthChecks back GET /healthz.
	HealthChecks []health.Check
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	// AdminTenants may run POST /v1/sweep, which touches every tenant's
	// deliveries. Empty leaves the route closed to everyone.
	AdminTenants []string
}

// Server is the management API server.
type Server struct {
	e      *echo.Echo
	api    API
	admins map[string]bool
	logger *logging.Logger
}

// NewServer wires the routes and middleware for api.
func NewServer(api API, cfg Config, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, api: api, admins: make(map[string]bool, len(cfg.AdminTenants)), logger: logger}
	for _, t := range cfg.AdminTenants {
		s.admins[t] = true
	}
	e.HTTPErrorHandler = s.handleError

	authCfg := cfg.Auth
	authCfg.Skip = append(append([]string(nil), authCfg.Skip...), PingPath, HealthPath, MetricsPath)

	e.Use(s.recoverer, s.observe, auth.Middleware(authCfg))

	e.GET(HealthPath, echo.WrapHandler(health.HTTPHandler(cfg.HealthChecks...)))
	if cfg.Metrics != nil {
		e.GET(MetricsPath, echo.WrapHandler(cfg.Metrics))
	}

	v1 := e.Group("/v1")
	v1.GET("/ping", s.ping)
	v1.POST("/subscriptions", s.createSubscription)
	v1.GET("/subscriptions", s.listSubscriptions)
	v1.GET("/subscriptions/:id", s.getSubscription)
	v1.PATCH("/subscriptions/:id", s.updateSubscription)
	v1.DELETE("/subscriptions/:id", s.deleteSubscription)
	v1.POST("/subscriptions/:id/rotate-secret", s.rotateSecret)
	v1.GET("/subscriptions/:id/deliveries", s.listDeliveries)
	v1.GET("/subscriptions/:id/deliveries/:did", s.getDelivery)
	v1.POST("/subscriptions/:id/deliveries/:did/retry", s.retryDelivery)
	v1.POST("/events", s.triggerEvent)
	v1.POST("/sweep", s.sweep)
	return s
}

// Handler exposes the server for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.e }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Plain().WithField("addr", addr).Info("http api listening")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError renders every error as {"error": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithContext(c.Request().Context()).
			WithError(err).
			WithField("path", c.Path()).
			Error("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorResponse{Error: msg})
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, delivery.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, delivery.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.As(err, &he):
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// observe extracts the caller's trace context, opens a span and records
// request metrics.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		start := time.Now()

		ctx := tracing.ExtractHTTP(req.Context(), req.Header)
		ctx, span := tracing.StartSpan(ctx, "http "+req.Method+" "+c.Path(),
			attribute.String("http.method", req.Method),
			attribute.String("http.route", c.Path()),
		)
		defer span.End()
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		code := c.Response().Status
		span.SetAttributes(attribute.Int("http.status_code", code))
		if code >= http.StatusInternalServerError {
			tracing.SetSpanError(ctx, err)
		}
		metrics.RecordHTTPRequest(req.Method, c.Path(), code, time.Since(start))

		s.logger.WithContext(ctx).WithFields(map[string]any{
			"method":      req.Method,
			"route":       c.Path(),
			"status":      code,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
		return nil
	}
}

// recoverer turns a handler panic into a 500.
func (s *Server) recoverer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithContext(c.Request().Context()).
					WithField("panic", r).
					Error("handler panic")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
			}
		}()
		return next(c)
	}
}
