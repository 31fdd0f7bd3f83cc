package checkpoint

import (
	"context"
	"sync"
	"time"
)

// PeerInfo is what a peer reports about the checkpoint height being
// verified (spec §4.7's peer-consensus exchange tuple).
type PeerInfo struct {
	Height         uint64
	CheckpointHash string
	BlockHash      string
	MerkleRoot     string
	TotalSupply    int64
}

// PeerQuerier fetches a peer's view of a checkpoint height. Implemented
// by C9's gossip client in production; tests supply a fake.
type PeerQuerier interface {
	QueryCheckpoint(ctx context.Context, peerID string, height uint64) (PeerInfo, error)
}

const (
	maxSampledPeers = 5
	peerTimeout     = 10 * time.Second

	// DefaultMinConsensus is spec §4.7's default agreement threshold
	// (67% of responding peers).
	DefaultMinConsensus = 0.67
)

// VerifyWithPeers implements spec §4.7's peer-consensus check: sample
// up to 5 peers, query each with a 10s timeout, and consider the local
// checkpoint verified if at least minConsensus of the peers that
// responded report the identical checkpoint hash. Callers that don't
// need a non-default threshold should pass DefaultMinConsensus.
func VerifyWithPeers(ctx context.Context, querier PeerQuerier, peerIDs []string, local Record, minConsensus float64) (verified bool, agreeing int, sampled int, err error) {
	sample := peerIDs
	if len(sample) > maxSampledPeers {
		sample = sample[:maxSampledPeers]
	}
	if len(sample) == 0 {
		return false, 0, 0, nil
	}

	type result struct {
		agree bool
		ok    bool
	}
	results := make([]result, len(sample))
	var wg sync.WaitGroup
	for i, peerID := range sample {
		wg.Add(1)
		go func(i int, peerID string) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, peerTimeout)
			defer cancel()
			info, qerr := querier.QueryCheckpoint(reqCtx, peerID, local.Height)
			if qerr != nil {
				results[i] = result{ok: false}
				return
			}
			results[i] = result{ok: true, agree: info.CheckpointHash == local.CheckpointHash}
		}(i, peerID)
	}
	wg.Wait()

	responded := 0
	agree := 0
	for _, r := range results {
		if r.ok {
			responded++
			if r.agree {
				agree++
			}
		}
	}
	if responded == 0 {
		return false, 0, 0, nil
	}
	verified = float64(agree)/float64(responded) >= minConsensus
	return verified, agree, responded, nil
}
