package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xai-project/xai-core/internal/block"
	"github.com/xai-project/xai-core/internal/chain"
	"github.com/xai-project/xai-core/internal/checkpoint"
	"github.com/xai-project/xai-core/internal/crypto"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/mempool"
	"github.com/xai-project/xai-core/internal/tx"
)

// HelloPayload is exchanged on connect to announce protocol compatibility
// and current chain height.
type HelloPayload struct {
	NodeID      string `json:"node_id"`
	BestHeight  uint64 `json:"best_height"`
	BestHash    string `json:"best_hash"`
	NetworkName string `json:"network_name"`
}

// InvPayload advertises object availability by id (txid or block hash).
type InvPayload struct {
	Kind string   `json:"kind"` // "tx" or "block"
	IDs  []string `json:"ids"`
}

// GetDataPayload requests the full objects named by an Inv.
type GetDataPayload struct {
	Kind string   `json:"kind"`
	IDs  []string `json:"ids"`
}

// GetPeersPayload requests a peer-exchange sample (empty body).
type GetPeersPayload struct{}

// PeersPayload answers GetPeers with addresses (shape owned by C10;
// gossip only transports the opaque string list here).
type PeersPayload struct {
	Addresses []string `json:"addresses"`
}

// CheckpointRequestPayload asks a peer for its checkpoint at a height.
type CheckpointRequestPayload struct {
	Height uint64 `json:"height"`
}

// CheckpointResponsePayload answers with the peer's checkpoint record.
type CheckpointResponsePayload struct {
	Record checkpoint.Record `json:"record"`
}

// Sender transmits a signed envelope to a specific peer; implemented by
// the concrete transport (TCP/QUIC/etc.), which this package does not
// own.
type Sender interface {
	Send(ctx context.Context, peerID string, env *Envelope) error
}

// Node wires the gossip protocol to the node's chain, mempool, and
// checkpoint subsystems, matching spec §4.9's "gossip dispatches
// validated payloads to the relevant component" behavior.
type Node struct {
	identity *crypto.PrivateKey
	nonce    uint64

	guard     *ReplayGuard
	dedup     *DedupCache
	kindLimit *KindLimiter
	bandwidth *BandwidthLimiter
	peers     *PeerRegistry

	chainMgr *chain.Manager
	pool     *mempool.Mempool
	cpMgr    *checkpoint.Manager

	transport Sender
	log       *logging.Logger
	now       func() time.Time
}

// NewNode builds a gossip node bound to the given subsystems. transport
// may be nil for unit tests that only exercise Handle.
func NewNode(identity *crypto.PrivateKey, chainMgr *chain.Manager, pool *mempool.Mempool, cpMgr *checkpoint.Manager, transport Sender, log *logging.Logger) *Node {
	if log == nil {
		log = logging.Global()
	}
	return &Node{
		identity:  identity,
		guard:     NewReplayGuard(),
		dedup:     NewDedupCache(0, 0),
		kindLimit: NewKindLimiter(),
		bandwidth: NewBandwidthLimiter(),
		peers:     NewPeerRegistry(),
		chainMgr:  chainMgr,
		pool:      pool,
		cpMgr:     cpMgr,
		transport: transport,
		log:       log.WithField("component", "gossip"),
		now:       time.Now,
	}
}

// nextNonce hands out a strictly increasing nonce for outbound envelopes
// signed by this node's identity.
func (n *Node) nextNonce() uint64 {
	n.nonce++
	return n.nonce
}

// Build signs a new envelope carrying payload, for transmission.
func (n *Node) Build(payloadType PayloadType, payload interface{}) (*Envelope, error) {
	return NewEnvelope(n.identity, n.nextNonce(), payloadType, payload)
}

// dedupKey identifies an envelope by its payload's content identity —
// the decoded txid or block hash — rather than its transport envelope
// (sender, nonce), so the same transaction or block relayed by two
// different peers (and therefore wrapped in two different envelopes)
// is suppressed as one duplicate instead of being dispatched twice.
// ReplayGuard already covers the (sender, nonce) replay case; dedup
// exists to cover re-relay across peers, which needs content identity.
func dedupKey(e *Envelope) string {
	switch e.Payload.Type {
	case PayloadTransaction:
		var t tx.Transaction
		if err := json.Unmarshal(e.Payload.Body, &t); err == nil {
			if id, err := t.TxID(); err == nil {
				return fmt.Sprintf("%s:%s", PayloadTransaction, id)
			}
		}
	case PayloadBlock:
		var b block.Block
		if err := json.Unmarshal(e.Payload.Body, &b); err == nil && b.Hash != "" {
			return fmt.Sprintf("%s:%s", PayloadBlock, b.Hash)
		}
	}
	// Other payload types aren't content-addressed by a domain id;
	// fall back to hashing the raw body so identical re-sends still
	// dedup.
	sum := crypto.SHA256(e.Payload.Body)
	return fmt.Sprintf("%s:%x", e.Payload.Type, sum)
}

// Handle processes one inbound envelope from peerID: checks the global
// bandwidth budget, decodes it, rate limits it per kind, verifies it,
// deduplicates it, then dispatches the payload to the owning subsystem.
// Every rejection returns a non-nil error; decode, verification and
// dispatch failures also cost the peer reputation, while bandwidth and
// rate-limit rejections do not. Callers log and continue rather than
// tearing down the connection except when ShouldDisconnect() says so.
func (n *Node) Handle(ctx context.Context, peerID string, raw []byte) error {
	peer := n.peers.Get(peerID)
	peer.Touch(n.now())

	if !n.bandwidth.AllowBytes(len(raw)) {
		return fmt.Errorf("gossip: global bandwidth budget exceeded")
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		peer.RecordInvalid()
		return fmt.Errorf("gossip: decoding envelope: %w", err)
	}

	if !n.kindLimit.Allow(peerID, env.Payload.Type) {
		return fmt.Errorf("gossip: rate limit exceeded for %s/%s", peerID, env.Payload.Type)
	}

	if err := Verify(&env, n.guard, n.now()); err != nil {
		peer.RecordInvalid()
		return err
	}

	if n.dedup.SeenBefore(dedupKey(&env)) {
		// Already processed; not a fault, just a no-op.
		return nil
	}

	if err := n.dispatch(ctx, peerID, &env); err != nil {
		peer.RecordInvalid()
		return err
	}
	peer.RecordValid()
	return nil
}

func (n *Node) dispatch(ctx context.Context, peerID string, env *Envelope) error {
	switch env.Payload.Type {
	case PayloadHello:
		var p HelloPayload
		return n.decodeAndLog(env, &p)
	case PayloadGetPeers:
		var p GetPeersPayload
		return n.decodeAndLog(env, &p)
	case PayloadPeers:
		var p PeersPayload
		return n.decodeAndLog(env, &p)
	case PayloadInv:
		var p InvPayload
		return n.decodeAndLog(env, &p)
	case PayloadGetData:
		var p GetDataPayload
		return n.decodeAndLog(env, &p)
	case PayloadTransaction:
		return n.handleTransaction(env)
	case PayloadBlock:
		return n.handleBlock(env, peerID)
	case PayloadCheckpointRequest:
		return n.handleCheckpointRequest(ctx, peerID, env)
	case PayloadCheckpointResponse:
		var p CheckpointResponsePayload
		return n.decodeAndLog(env, &p)
	default:
		return fmt.Errorf("gossip: unknown payload type %q", env.Payload.Type)
	}
}

func (n *Node) decodeAndLog(env *Envelope, dst interface{}) error {
	if err := json.Unmarshal(env.Payload.Body, dst); err != nil {
		return fmt.Errorf("gossip: decoding %s payload: %w", env.Payload.Type, err)
	}
	return nil
}

func (n *Node) handleTransaction(env *Envelope) error {
	var t tx.Transaction
	if err := json.Unmarshal(env.Payload.Body, &t); err != nil {
		return fmt.Errorf("gossip: decoding transaction payload: %w", err)
	}
	ok, reason := n.pool.Submit(&t, n.chainMgr)
	if !ok {
		return fmt.Errorf("gossip: transaction rejected: %s", reason)
	}
	return nil
}

func (n *Node) handleBlock(env *Envelope, peerID string) error {
	var b block.Block
	if err := json.Unmarshal(env.Payload.Body, &b); err != nil {
		return fmt.Errorf("gossip: decoding block payload: %w", err)
	}
	return n.chainMgr.Append(&b, peerID, n.now())
}

func (n *Node) handleCheckpointRequest(ctx context.Context, peerID string, env *Envelope) error {
	var req CheckpointRequestPayload
	if err := json.Unmarshal(env.Payload.Body, &req); err != nil {
		return fmt.Errorf("gossip: decoding checkpoint request: %w", err)
	}
	if n.cpMgr == nil || n.transport == nil {
		return nil
	}
	rec, ok, err := n.cpMgr.Load(req.Height)
	if err != nil || !ok {
		return nil
	}
	resp, err := n.Build(PayloadCheckpointResponse, CheckpointResponsePayload{Record: *rec})
	if err != nil {
		return err
	}
	return n.transport.Send(ctx, peerID, resp)
}

// PeerRegistry exposes the node's peer-reputation registry for diagnostics
// and for C10's eclipse-resistance scoring.
func (n *Node) PeerRegistry() *PeerRegistry { return n.peers }
