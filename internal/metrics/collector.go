package metrics

import (
	"context"
	"time"
)

// ChannelStatus reports the state of a control channel as a small integer.
type ChannelStatus interface {
	StateValue() int
}

// ChannelStatusFunc adapts a function to ChannelStatus.
type ChannelStatusFunc func() int

func (f ChannelStatusFunc) StateValue() int { return f() }

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Channel ChannelStatus
}

// Collector periodically samples component state into gauges.
type Collector struct {
	metrics *Metrics
	channel ChannelStatus
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		channel: cfg.Channel,
	}
}

// Collect updates all sampled metrics from the current state.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	if c.channel != nil {
		c.metrics.ControlChannelState.Set(float64(c.channel.StateValue()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
