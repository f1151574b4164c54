package main

import (
	"encoding/hex"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// HashID represents a 20-byte identifier (info_hash or peer_id)
// Per BEP 15, both info_hash and peer_id are exactly 20 bytes (SHA-1 hash length)
// Used as map keys to avoid 40-byte hex string overhead (saves 20 bytes per key)
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (packet validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// PeerEntry is what an announce contributes to a swarm.
// Identity inside a swarm is the peer id.
type PeerEntry struct {
	Addr       netip.AddrPort
	ID         HashID
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
}

// Peer is the stored form of a PeerEntry.
type Peer struct {
	LastAnnounced time.Time
	Addr          netip.AddrPort
	Uploaded      uint64
	Downloaded    uint64
	Left          uint64
	seq           uint64 // insertion order, breaks LastAnnounced ties
	Completed     bool
}

func (p *Peer) isSeeder() bool { return p.Left == 0 }

// Torrent is one swarm. Its mutex is the per-info-hash lock.
type Torrent struct {
	peers     map[HashID]*Peer
	mu        sync.Mutex
	nextSeq   uint64
	seeders   int
	leechers  int
	completed int
}

// AnnounceResult is the swarm view handed back to an announcing peer.
type AnnounceResult struct {
	Peers    []netip.AddrPort
	Interval time.Duration
	Seeders  int
	Leechers int
}

// shard owns a slice of the info_hash space.
type shard struct {
	torrents map[HashID]*Torrent
	mu       sync.RWMutex
}

// Tracker holds the state shared by every in-flight handler.
type Tracker struct {
	store     *swarmStore
	conns     *connRegistry
	limiter   *connectLimiter
	events    EventSink
	clock     clock.Clock
	log       *zap.Logger
	whitelist atomic.Pointer[map[HashID]struct{}]
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	wg        sync.WaitGroup
}
