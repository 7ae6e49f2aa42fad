package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterPacesPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{Name: "fetch", RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://shop.example/menu"))

	// Another domain has its own bucket.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://SHOP.example/deals"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.WaitKey(context.Background(), "smtp"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.WaitKey(ctx, "smtp"))
}

func TestUnlimitedAndNil(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		require.NoError(t, l.WaitKey(context.Background(), "k"))
	}
	var none *Limiter
	require.NoError(t, none.Wait(context.Background(), "https://x.example"))
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shop.example", Domain("https://Shop.Example:8443/menu"))
	require.Equal(t, "unknown", Domain("not a url"))
}
