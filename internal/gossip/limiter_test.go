package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindLimiterAllowsBurstThenThrottles(t *testing.T) {
	k := NewKindLimiter()
	allowed := 0
	for i := 0; i < defaultPerKindBurst+5; i++ {
		if k.Allow("peer1", PayloadInv) {
			allowed++
		}
	}
	require.Equal(t, defaultPerKindBurst, allowed)
}

func TestKindLimiterIsolatedPerPeerAndKind(t *testing.T) {
	k := NewKindLimiter()
	for i := 0; i < defaultPerKindBurst; i++ {
		require.True(t, k.Allow("peer1", PayloadInv))
	}
	require.False(t, k.Allow("peer1", PayloadInv))
	require.True(t, k.Allow("peer2", PayloadInv))
	require.True(t, k.Allow("peer1", PayloadTransaction))
}

func TestDedupCacheSuppressesRepeats(t *testing.T) {
	d := NewDedupCache(10, time.Minute)
	require.False(t, d.SeenBefore("a"))
	require.True(t, d.SeenBefore("a"))
	require.False(t, d.SeenBefore("b"))
}

func TestBandwidthLimiterBlocksOversizedBurst(t *testing.T) {
	b := NewBandwidthLimiter()
	require.True(t, b.AllowBytes(1024))
	require.False(t, b.AllowBytes(defaultBandwidthBurst*2))
}
