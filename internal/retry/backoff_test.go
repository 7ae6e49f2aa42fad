package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Minute, time.Hour)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: time.Minute},
		{attempts: 1, want: 2 * time.Minute},
		{attempts: 2, want: 4 * time.Minute},
		{attempts: 5, want: 32 * time.Minute},
		{attempts: 6, want: time.Hour},
		{attempts: 40, want: time.Hour},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, b.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: true}
	for range 50 {
		d := b.Delay(3)
		require.GreaterOrEqual(t, d, 4*time.Second)
		require.Less(t, d, 8*time.Second)
	}
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	require.False(t, Exhausted(0, 3))
	require.False(t, Exhausted(1, 3))
	require.True(t, Exhausted(2, 3))
	require.True(t, Exhausted(5, 3))
}

func TestNext(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(2*time.Minute), NewBackoff(time.Minute, 0).Next(now, 1))
}
