package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReputationClampsAndBlacklists(t *testing.T) {
	p := NewPeerState("peer1")
	require.Equal(t, reputationInitial, p.Reputation())

	for i := 0; i < 30; i++ {
		p.RecordInvalid()
	}
	require.Equal(t, 0, p.Reputation())
	require.True(t, p.Blacklisted())
}

func TestShouldDisconnectBelowThreshold(t *testing.T) {
	p := NewPeerState("peer1")
	for i := 0; i < 10; i++ {
		p.RecordInvalid()
	}
	require.True(t, p.ShouldDisconnect())
}

func TestReputationCapsAtMax(t *testing.T) {
	p := NewPeerState("peer1")
	for i := 0; i < 50; i++ {
		p.RecordValid()
	}
	require.Equal(t, reputationMax, p.Reputation())
}

func TestPeerRegistryGetCreatesOnDemand(t *testing.T) {
	r := NewPeerRegistry()
	p1 := r.Get("a")
	p2 := r.Get("a")
	require.Same(t, p1, p2)
	require.Len(t, r.Snapshot(), 1)
}
