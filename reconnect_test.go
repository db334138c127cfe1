package jsocialflux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyDelay(t *testing.T) {
	p := DefaultReconnectPolicy()

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for attempt, d := range want {
		require.Equal(t, d, p.Delay(attempt, 0), "attempt %d", attempt)
	}
	require.Equal(t, 8*time.Second, p.Delay(60, 0))
	require.Equal(t, 500*time.Millisecond, p.Delay(-1, 0))
}

func TestReconnectPolicyJitter(t *testing.T) {
	p := DefaultReconnectPolicy()

	require.Equal(t, 625*time.Millisecond, p.Delay(0, 0.5))
	require.Less(t, p.Delay(4, 0.999), 8*time.Second+250*time.Millisecond)
	// Out of range sources contribute nothing.
	require.Equal(t, time.Second, p.Delay(1, 1))
	require.Equal(t, time.Second, p.Delay(1, -0.2))
}

func TestReconnectorResets(t *testing.T) {
	r := newReconnector(ReconnectPolicy{Base: 100 * time.Millisecond, Cap: time.Second}, func() float64 { return 0 })

	require.Equal(t, 100*time.Millisecond, r.nextDelay())
	require.Equal(t, 200*time.Millisecond, r.nextDelay())
	require.Equal(t, 400*time.Millisecond, r.nextDelay())
	require.Equal(t, 3, r.attempt)

	r.reset()
	require.Equal(t, 100*time.Millisecond, r.nextDelay())
}

func TestReconnectPolicyDefaults(t *testing.T) {
	var cfg RealtimeConfig
	cfg.defaults()
	require.Equal(t, DefaultReconnectPolicy(), cfg.Reconnect)
	require.Equal(t, 25*time.Second, cfg.HeartbeatInterval)

	cfg = RealtimeConfig{Reconnect: ReconnectPolicy{Base: time.Second, Cap: time.Second}}
	cfg.defaults()
	require.Equal(t, time.Second, cfg.Reconnect.Base)
	require.Zero(t, cfg.Reconnect.MaxJitter)
}
