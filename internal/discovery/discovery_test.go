package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedASN struct{ byPrefix map[string]uint32 }

func (f fixedASN) ASNFor(ip net.IP) (uint32, error) {
	return f.byPrefix[prefix16Of(ip)], nil
}

func TestEclipseLimitRetainsOnlyMaxPerPrefix(t *testing.T) {
	reg := NewRegistry(Devnet, nil)
	reg.maxPerPrefix = 2

	admitted := 0
	for i := 0; i < 5; i++ {
		ip := net.ParseIP("10.0.0." + string(rune('1'+i)))
		ok, err := reg.TryAdmit(peerURL(i), ip, "pub", false)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	require.Equal(t, 2, admitted)
}

func peerURL(i int) string {
	return "peer" + string(rune('a'+i)) + ":1000"
}

func TestEclipseLimitByASN(t *testing.T) {
	resolver := fixedASN{byPrefix: map[string]uint32{
		"10.0.0.0/16": 777,
		"11.0.0.0/16": 777,
	}}
	reg := NewRegistry(Devnet, resolver)
	reg.maxPerASN = 1

	ok1, err := reg.TryAdmit("p1", net.ParseIP("10.0.0.1"), "k1", false)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := reg.TryAdmit("p2", net.ParseIP("11.0.0.1"), "k2", false)
	require.NoError(t, err)
	require.False(t, ok2, "same ASN across different /16 prefixes should still be capped")
}

func TestHealthyRequiresDiversity(t *testing.T) {
	resolver := fixedASN{byPrefix: map[string]uint32{
		"10.0.0.0/16": 1,
		"10.1.0.0/16": 2,
		"10.2.0.0/16": 3,
		"10.3.0.0/16": 4,
		"10.4.0.0/16": 5,
	}}
	reg := NewRegistry(Devnet, resolver)
	require.False(t, reg.Healthy())

	for i := 0; i < 5; i++ {
		ip := net.ParseIP("10." + string(rune('0'+i)) + ".0.1")
		_, err := reg.TryAdmit(peerURL(i), ip, "k", false)
		require.NoError(t, err)
	}
	require.True(t, reg.Healthy())
}

func TestReapUnresponsiveDropsStalePeers(t *testing.T) {
	reg := NewRegistry(Devnet, nil)
	ok, err := reg.TryAdmit("p1", net.ParseIP("10.0.0.1"), "k", false)
	require.NoError(t, err)
	require.True(t, ok)

	reg.Touch("p1", time.Now().Add(-2*time.Hour))
	dropped := reg.ReapUnresponsive(time.Now())
	require.Equal(t, []string{"p1"}, dropped)
	require.Equal(t, 0, reg.Count())
}

func TestDiversityScoreIsUniquePrefixRatio(t *testing.T) {
	reg := NewRegistry(Devnet, nil)
	_, err := reg.TryAdmit("p1", net.ParseIP("10.0.0.1"), "k", false)
	require.NoError(t, err)
	_, err = reg.TryAdmit("p2", net.ParseIP("10.0.0.2"), "k", false)
	require.NoError(t, err)
	_, err = reg.TryAdmit("p3", net.ParseIP("11.0.0.1"), "k", false)
	require.NoError(t, err)

	require.InDelta(t, 2.0/3.0, reg.DiversityScore(), 1e-9)
}
