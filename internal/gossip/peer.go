package gossip

import (
	"sync"
	"time"
)

// Reputation score bounds and deltas (spec §4.9's peer scoring policy).
const (
	reputationInitial      = 50
	reputationMax          = 100
	reputationMin          = 0
	reputationValidDelta   = 2
	reputationInvalidDelta = -5
	reputationTimeoutDelta = -1
	disconnectThreshold    = 10
)

// idleTimeout disconnects a peer that has sent nothing for this long
// (spec §4.9: default 10 minutes).
const idleTimeout = 10 * time.Minute

// PeerState tracks one connected peer's reputation and liveness.
type PeerState struct {
	mu           sync.Mutex
	ID           string
	reputation   int
	blacklisted  bool
	lastActivity time.Time
}

// NewPeerState creates a peer entry at the initial reputation.
func NewPeerState(id string) *PeerState {
	return &PeerState{ID: id, reputation: reputationInitial, lastActivity: time.Now()}
}

// Reputation returns the current score.
func (p *PeerState) Reputation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reputation
}

// Blacklisted reports whether the peer hit a persistent zero score.
func (p *PeerState) Blacklisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blacklisted
}

// Touch marks the peer as having just sent traffic.
func (p *PeerState) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = now
}

// Idle reports whether the peer has been silent past idleTimeout.
func (p *PeerState) Idle(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActivity) > idleTimeout
}

func (p *PeerState) adjust(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reputation += delta
	if p.reputation > reputationMax {
		p.reputation = reputationMax
	}
	if p.reputation < reputationMin {
		p.reputation = reputationMin
		p.blacklisted = true
	}
}

// RecordValid applies the +2 reward for a valid message (spec §4.9).
func (p *PeerState) RecordValid() { p.adjust(reputationValidDelta) }

// RecordInvalid applies the −5 penalty for an invalid message.
func (p *PeerState) RecordInvalid() { p.adjust(reputationInvalidDelta) }

// RecordTimeout applies the −1 penalty for a request timeout.
func (p *PeerState) RecordTimeout() { p.adjust(reputationTimeoutDelta) }

// ShouldDisconnect reports whether the peer's score has fallen below the
// disconnect threshold (spec §4.9: <10).
func (p *PeerState) ShouldDisconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reputation < disconnectThreshold
}

// PeerRegistry tracks every known peer's reputation state.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[string]*PeerState
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*PeerState)}
}

// Get returns (creating if absent) the state for peerID.
func (r *PeerRegistry) Get(peerID string) *PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = NewPeerState(peerID)
		r.peers[peerID] = p
	}
	return p
}

// Remove drops a peer from the registry (used after disconnect).
func (r *PeerRegistry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Snapshot returns every tracked peer's current state, for diagnostics
// and for C10's diversity scoring.
func (r *PeerRegistry) Snapshot() []*PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
