package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/hookrelay/internal/metrics"
)

func TestMonitor_Poll(t *testing.T) {
	type label struct {
		topic   string
		channel string
	}

	tests := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantBacklog  float64
		wantDepth    map[label]float64
		wantInflight map[label]float64
	}{
		{
			name: "events ingest channel sets backlog",
			payload: `{"topics": [
				{"topic_name": "events", "depth": 13, "channels": [
					{"channel_name": "ingest", "depth": 10, "in_flight_count": 4},
					{"channel_name": "audit", "depth": 3, "in_flight_count": 1}
				]},
				{"topic_name": "deliveries_dlq", "depth": 2, "channels": [
					{"channel_name": "ops", "depth": 2, "in_flight_count": 0}
				]},
				{"topic_name": "unrelated", "depth": 99, "channels": [
					{"channel_name": "x", "depth": 99, "in_flight_count": 9}
				]}
			]}`,
			wantBacklog: 10,
			wantDepth: map[label]float64{
				{"events", "ingest"}:      10,
				{"events", "audit"}:       3,
				{"deliveries_dlq", "ops"}: 2,
				{"unrelated", "x"}:        0,
			},
			wantInflight: map[label]float64{
				{"events", "ingest"}: 4,
				{"events", "audit"}:  1,
			},
		},
		{
			name: "missing ingest channel keeps backlog at zero",
			payload: `{"topics": [{"topic_name": "events", "channels": [
				{"channel_name": "audit", "depth": 5, "in_flight_count": 2}
			]}]}`,
			wantDepth:    map[label]float64{{"events", "audit"}: 5},
			wantInflight: map[label]float64{{"events", "audit"}: 2},
		},
		{name: "invalid payload", payload: `invalid-json`, wantErr: true},
		{name: "server error", payload: `{}`, status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.EventBacklog.Set(0)
			metrics.NSQChannelDepth.Reset()
			metrics.NSQChannelInFlight.Reset()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
					t.Errorf("unexpected request %s", r.URL)
				}
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			m := NewMonitor(strings.TrimPrefix(srv.URL, "http://"), "events", "ingest", nil, "deliveries_dlq")
			err := m.Poll(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("Poll() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}

			if got := testutil.ToFloat64(metrics.EventBacklog); got != tt.wantBacklog {
				t.Errorf("event backlog = %v, want %v", got, tt.wantBacklog)
			}
			for l, want := range tt.wantDepth {
				if got := testutil.ToFloat64(metrics.NSQChannelDepth.WithLabelValues(l.topic, l.channel)); got != want {
					t.Errorf("depth[%s/%s] = %v, want %v", l.topic, l.channel, got, want)
				}
			}
			for l, want := range tt.wantInflight {
				if got := testutil.ToFloat64(metrics.NSQChannelInFlight.WithLabelValues(l.topic, l.channel)); got != want {
					t.Errorf("inflight[%s/%s] = %v, want %v", l.topic, l.channel, got, want)
				}
			}
		})
	}
}

func TestNewMonitorURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"nsqd:4151", "http://nsqd:4151/stats?format=json"},
		{"http://nsqd:4151/", "http://nsqd:4151/stats?format=json"},
		{"https://nsq.example.com", "https://nsq.example.com/stats?format=json"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := NewMonitor(tt.addr, "events", "ingest", nil).statsURL; got != tt.want {
				t.Errorf("statsURL = %q, want %q", got, tt.want)
			}
		})
	}
}
