package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/queue"
	"github.com/austindbirch/hookrelay/internal/store/memory"
)

func TestAuthConfig(t *testing.T) {
	tests := []struct {
		name          string
		auth          config.Auth
		wantValidator bool
		wantTrust     bool
		wantErr       bool
	}{
		{name: "disabled", auth: config.Auth{Enabled: false, HMACSecret: "ignored"}},
		{name: "hmac", auth: config.Auth{Enabled: true, HMACSecret: "s3cret", Issuer: "hookrelay", Audience: "hookrelay-api"}, wantValidator: true},
		{name: "hmac with trusted header", auth: config.Auth{Enabled: true, HMACSecret: "s3cret", TrustHeader: true}, wantValidator: true, wantTrust: true},
		{name: "bad public key", auth: config.Auth{Enabled: true, PublicKeyPEM: "not a key"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := authConfig(tt.auth)
			if (err != nil) != tt.wantErr {
				t.Fatalf("authConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if (got.Validator != nil) != tt.wantValidator {
				t.Errorf("Validator set = %v, want %v", got.Validator != nil, tt.wantValidator)
			}
			if got.TrustHeader != tt.wantTrust {
				t.Errorf("TrustHeader = %v, want %v", got.TrustHeader, tt.wantTrust)
			}
		})
	}
}

func TestAuthConfigAcceptsIssuedTokens(t *testing.T) {
	cfg, err := authConfig(config.Auth{Enabled: true, HMACSecret: "s3cret", Issuer: "hookrelay", Audience: "hookrelay-api"})
	if err != nil {
		t.Fatalf("authConfig() error = %v", err)
	}
	svc := delivery.NewService(memory.New())
	h := ingest.NewServer(svc, ingest.Config{Auth: cfg}, nil).Handler()

	token, err := auth.IssueHMACToken("s3cret", "hookrelay", "hookrelay-api", "tn_1", time.Minute)
	if err != nil {
		t.Fatalf("IssueHMACToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

type nopTrigger struct{}

func (nopTrigger) TriggerEvent(context.Context, string, string, any) (delivery.Fanout, error) {
	return delivery.Fanout{}, nil
}

func TestEventConsumer(t *testing.T) {
	base := config.FromEnv()

	t.Run("none", func(t *testing.T) {
		cfg := base
		cfg.EventSource = config.EventSourceNone
		c, closeFn, err := eventConsumer(cfg, nopTrigger{}, nil)
		if err != nil || c != nil {
			t.Fatalf("eventConsumer(none) = %v, %v; want nil, nil", c, err)
		}
		closeFn()
	})

	t.Run("nsq", func(t *testing.T) {
		cfg := base
		cfg.EventSource = config.EventSourceNSQ
		c, closeFn, err := eventConsumer(cfg, nopTrigger{}, nil)
		if err != nil {
			t.Fatalf("eventConsumer(nsq) error = %v", err)
		}
		defer closeFn()
		if _, ok := c.(*queue.NSQConsumer); !ok {
			t.Errorf("eventConsumer(nsq) = %T, want *queue.NSQConsumer", c)
		}
	})

	t.Run("nsq bad topic", func(t *testing.T) {
		cfg := base
		cfg.EventSource = config.EventSourceNSQ
		cfg.NSQ.EventsTopic = "not a topic!"
		if _, _, err := eventConsumer(cfg, nopTrigger{}, nil); err == nil {
			t.Error("eventConsumer() error = nil, want invalid topic error")
		}
	})
}

func TestDLQNotifierDisabled(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Delivery.PublishDLQ = false
	n, prod, err := dlqNotifier(cfg, nil)
	if err != nil {
		t.Fatalf("dlqNotifier() error = %v", err)
	}
	if prod != nil {
		t.Error("producer created while DLQ publishing is disabled")
	}
	if _, ok := n.(delivery.NopNotifier); !ok {
		t.Errorf("notifier = %T, want delivery.NopNotifier", n)
	}
}

func TestDLQNotifierEnabled(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Delivery.PublishDLQ = true
	n, prod, err := dlqNotifier(cfg, nil)
	if err != nil {
		t.Fatalf("dlqNotifier() error = %v", err)
	}
	defer prod.Stop()
	if _, ok := n.(*queue.DLQPublisher); !ok {
		t.Errorf("notifier = %T, want *queue.DLQPublisher", n)
	}
}
