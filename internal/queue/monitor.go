package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// nsqStats is the subset of the nsqd /stats response the monitor reads.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd's stats endpoint and exports queue depths for the
// intake and dead-letter topics.
type Monitor struct {
	statsURL string
	topics   map[string]bool
	backlog  [2]string // topic, channel whose depth is the event backlog
	client   *http.Client
	logger   *logging.Logger
}

// NewMonitor watches eventsTopic/eventsChannel plus any extra topics on the
// nsqd whose HTTP address is addr (host:port or URL).
func NewMonitor(addr, eventsTopic, eventsChannel string, logger *logging.Logger, extraTopics ...string) *Monitor {
	if logger == nil {
		logger = logging.Nop()
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	topics := map[string]bool{eventsTopic: true}
	for _, t := range extraTopics {
		if t != "" {
			topics[t] = true
		}
	}
	return &Monitor{
		statsURL: strings.TrimRight(addr, "/") + "/stats?format=json",
		topics:   topics,
		backlog:  [2]string{eventsTopic, eventsChannel},
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil {
			m.logger.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the stats once and updates the gauges.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.RecordNSQChannel(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount)
			if topic.TopicName == m.backlog[0] && ch.ChannelName == m.backlog[1] {
				metrics.SetEventBacklog(ch.Depth)
			}
		}
	}
	return nil
}
