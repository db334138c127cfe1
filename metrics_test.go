package jsocialflux

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func TestRealtimeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := newFakeDialer(false)
	c := NewRealtimeClient("ws://test/ws", testRealtimeConfig(),
		WithDialer(d), WithMetrics(NewRealtimeMetrics(reg)), WithJitterSource(func() float64 { return 0 }))
	t.Cleanup(func() { c.Close() })
	ctx := testContext(t)

	require.NoError(t, c.Subscribe(ctx, "chat:1"))
	conn := d.next(t)
	require.NoError(t, c.Send(ctx, "hello"))

	require.Equal(t, 1.0, gatherValue(t, reg, "jsocialflux_realtime_connects_total", nil))
	require.Equal(t, 2.0, gatherValue(t, reg, "jsocialflux_realtime_frames_total", map[string]string{"direction": "out"}))
	require.Equal(t, 1.0, gatherValue(t, reg, "jsocialflux_realtime_subscriptions", nil))
	require.Equal(t, 1.0, gatherValue(t, reg, "jsocialflux_realtime_state", map[string]string{"state": "connected"}))

	conn.drop()
	d.next(t)
	require.Eventually(t, func() bool {
		return gatherValue(t, reg, "jsocialflux_realtime_connects_total", nil) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.0, gatherValue(t, reg, "jsocialflux_realtime_reconnects_scheduled_total", nil))
}

func TestNilMetrics(t *testing.T) {
	var m *RealtimeMetrics
	m.incConnects()
	m.incFrames("in")
	m.setState(StateClosed)
	m.setQueued(3)
}
