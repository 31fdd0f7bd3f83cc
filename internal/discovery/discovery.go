// Package discovery implements peer discovery and eclipse resistance
// (spec §4.10, C10), generalizing the teacher's pkg/network.Node's
// NodeConfig.SeedNodes/Connect/acceptLoop shape into a dedicated
// registry that scores and bounds peers by network diversity rather
// than dialing sockets directly (transport stays in internal/gossip).
package discovery

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// Network selects which bootstrap seed list and address prefix a node
// uses (spec §6's network ∈ {mainnet, testnet, devnet}).
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
)

// BootstrapSeeds is the hardcoded per-network seed list (spec §4.10).
// Devnet ships empty since local development networks self-assemble.
var BootstrapSeeds = map[Network][]string{
	Mainnet: {
		"seed1.xai.network:8733",
		"seed2.xai.network:8733",
		"seed3.xai.network:8733",
	},
	Testnet: {
		"seed1.testnet.xai.network:18733",
		"seed2.testnet.xai.network:18733",
	},
	Devnet: {},
}

const (
	DefaultMaxPeers          = 50
	DefaultMaxPeersPerPrefix = 8
	DefaultMaxPeersPerASN    = 16
	peerExchangeInterval     = 5 * time.Minute
	unresponsiveAfter        = 1 * time.Hour
	minHealthyPrefixes       = 5
	minHealthyASNs           = 5
	peerExchangeSampleSize   = 5
)

// ASNResolver maps an IP to an autonomous-system number. Production
// wires this to a GeoIP/ASN database; tests supply a deterministic
// fake, since the pack carries no ASN lookup dependency to ground this
// on (no example repo imports a GeoIP library).
type ASNResolver interface {
	ASNFor(ip net.IP) (uint32, error)
}

// Record is spec §4.10's peer record tuple.
type Record struct {
	URL                string
	IP                 net.IP
	PublicKey          string
	FirstSeen          time.Time
	LastSeen           time.Time
	ReputationScore    int
	ResponseLatencyEMA float64
	IsBootstrap        bool

	prefix16 string
	asn      uint32
}

const (
	recordReputationInitial = 50
	recordReputationMax     = 100
	recordReputationMin     = 0
)

// prefix16Of returns the /16 dotted prefix for an IPv4 address (e.g.
// "10.0.0.0/16" for "10.0.5.9"), or the address itself for non-IPv4
// inputs (IPv6 eclipse resistance is out of scope here).
func prefix16Of(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ip.String()
	}
	return fmt.Sprintf("%d.%d.0.0/16", v4[0], v4[1])
}

// Registry tracks known peers, enforces eclipse-resistance caps, and
// runs the periodic peer-exchange cadence (spec §4.10).
type Registry struct {
	mu sync.Mutex

	network       Network
	maxPeers      int
	maxPerPrefix  int
	maxPerASN     int
	resolver      ASNResolver
	connected     map[string]*Record // keyed by URL
	countByPrefix map[string]int
	countByASN    map[uint32]int
}

// NewRegistry builds a discovery registry for the given network.
func NewRegistry(network Network, resolver ASNResolver) *Registry {
	return &Registry{
		network:       network,
		maxPeers:      DefaultMaxPeers,
		maxPerPrefix:  DefaultMaxPeersPerPrefix,
		maxPerASN:     DefaultMaxPeersPerASN,
		resolver:      resolver,
		connected:     make(map[string]*Record),
		countByPrefix: make(map[string]int),
		countByASN:    make(map[uint32]int),
	}
}

// Seeds returns this registry's network's bootstrap seed list.
func (r *Registry) Seeds() []string {
	return BootstrapSeeds[r.network]
}

// SetLimits overrides the registry's admission caps (spec §6's
// max_peers/max_peers_per_prefix/max_peers_per_asn config options). A
// non-positive value leaves the corresponding cap unchanged.
func (r *Registry) SetLimits(maxPeers, maxPerPrefix, maxPerASN int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxPeers > 0 {
		r.maxPeers = maxPeers
	}
	if maxPerPrefix > 0 {
		r.maxPerPrefix = maxPerPrefix
	}
	if maxPerASN > 0 {
		r.maxPerASN = maxPerASN
	}
}

// TryAdmit attempts to add a peer, enforcing spec §4.10's eclipse
// caps (max per /16 prefix, max per ASN) and the overall max_peers
// slot count. Returns false (admitting nothing) if any cap is hit.
func (r *Registry) TryAdmit(url string, ip net.IP, publicKey string, isBootstrap bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connected[url]; exists {
		return false, nil
	}
	if len(r.connected) >= r.maxPeers {
		return false, nil
	}

	prefix := prefix16Of(ip)
	if r.countByPrefix[prefix] >= r.maxPerPrefix {
		return false, nil
	}

	var asn uint32
	if r.resolver != nil {
		a, err := r.resolver.ASNFor(ip)
		if err != nil {
			return false, fmt.Errorf("discovery: resolving ASN for %s: %w", ip, err)
		}
		asn = a
	}
	if r.countByASN[asn] >= r.maxPerASN {
		return false, nil
	}

	now := time.Now()
	rec := &Record{
		URL:             url,
		IP:              ip,
		PublicKey:       publicKey,
		FirstSeen:       now,
		LastSeen:        now,
		ReputationScore: recordReputationInitial,
		IsBootstrap:     isBootstrap,
		prefix16:        prefix,
		asn:             asn,
	}
	r.connected[url] = rec
	r.countByPrefix[prefix]++
	r.countByASN[asn]++
	return true, nil
}

// Remove drops a peer, freeing its prefix/ASN slot accounting.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.connected[url]
	if !ok {
		return
	}
	delete(r.connected, url)
	r.countByPrefix[rec.prefix16]--
	if r.countByPrefix[rec.prefix16] <= 0 {
		delete(r.countByPrefix, rec.prefix16)
	}
	r.countByASN[rec.asn]--
	if r.countByASN[rec.asn] <= 0 {
		delete(r.countByASN, rec.asn)
	}
}

// Touch refreshes a peer's last-seen timestamp (keeps it from being
// reaped as unresponsive).
func (r *Registry) Touch(url string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.connected[url]; ok {
		rec.LastSeen = at
	}
}

// ReapUnresponsive drops peers unseen for more than 1h (spec §4.10).
func (r *Registry) ReapUnresponsive(now time.Time) []string {
	r.mu.Lock()
	var stale []string
	for url, rec := range r.connected {
		if now.Sub(rec.LastSeen) > unresponsiveAfter {
			stale = append(stale, url)
		}
	}
	r.mu.Unlock()
	for _, url := range stale {
		r.Remove(url)
	}
	return stale
}

// SampleForExchange picks up to peerExchangeSampleSize random connected
// peers for the periodic peer-exchange round (spec §4.10: every 5 min,
// sample 5 random peers).
func (r *Registry) SampleForExchange() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Record, 0, len(r.connected))
	for _, rec := range r.connected {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].URL < all[j].URL })
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > peerExchangeSampleSize {
		all = all[:peerExchangeSampleSize]
	}
	return all
}

// PeerExchangeInterval exposes the 5-minute cadence for callers that
// drive their own ticker (kept out of this package so tests stay
// deterministic rather than depending on a running goroutine).
func PeerExchangeInterval() time.Duration { return peerExchangeInterval }

// DiversityScore is spec §4.10's weighted unique-prefix ratio over
// connected peers: unique /16 prefixes divided by total connected
// peers, in [0,1].
func (r *Registry) DiversityScore() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connected) == 0 {
		return 0
	}
	return float64(len(r.countByPrefix)) / float64(len(r.connected))
}

// Healthy reports spec §4.10's health gate: at least 5 unique /16
// prefixes and 5 unique ASNs among connected peers.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.countByPrefix) >= minHealthyPrefixes && len(r.countByASN) >= minHealthyASNs
}

// Count returns the number of currently connected peers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}
