package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-node")

	state := 1
	c := NewCollector(m, CollectorConfig{Channel: ChannelStatusFunc(func() int { return state })})

	c.Collect()
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.ControlChannelState))

	state = 2
	c.Collect()
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.ControlChannelState))
}

func TestCollector_NilSources(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil, CollectorConfig{}).Collect()
	})
}

func TestCollector_Run(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-node")

	var samples atomic.Int32
	c := NewCollector(m, CollectorConfig{Channel: ChannelStatusFunc(func() int {
		samples.Add(1)
		return 2
	})})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return samples.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.ControlChannelState))
}
