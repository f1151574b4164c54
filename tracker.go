package main

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

const (
	numShards = 32

	defaultAnnounceInterval = 15 * time.Minute
	defaultMaxNumWant       = 50 // also the default when the client doesn't specify
)

// swarmStore maps info_hash -> Torrent across numShards independently locked shards.
// Lock ordering: shard -> torrent. A torrent lock may outlive the shard lock
// it was taken under, never the other way round.
type swarmStore struct {
	log        *zap.Logger
	shards     [numShards]shard
	interval   time.Duration
	staleAfter time.Duration
	maxNumWant int
	seed       uint32
}

// newSwarmStore creates a store whose peers go stale after two missed
// announce intervals.
func newSwarmStore(log *zap.Logger, interval time.Duration, maxNumWant int) *swarmStore {
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	if maxNumWant <= 0 {
		maxNumWant = defaultMaxNumWant
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &swarmStore{
		log:        log,
		interval:   interval,
		staleAfter: 2 * interval,
		maxNumWant: maxNumWant,
	}
	// A secret seed keeps clients from piling chosen info_hashes onto one shard.
	if seed, err := cryptoIDSource(); err == nil {
		s.seed = uint32(seed)
	}
	for i := range s.shards {
		s.shards[i].torrents = make(map[HashID]*Torrent)
	}
	return s
}

func (s *swarmStore) shardFor(hash HashID) *shard {
	return &s.shards[murmur3.SeedSum32(s.seed, hash[:])%numShards]
}

// lockTorrent returns the torrent for hash with its mutex held, creating it
// when create is set. Returns nil if the torrent doesn't exist and create is false.
func (s *swarmStore) lockTorrent(hash HashID, create bool) *Torrent {
	sh := s.shardFor(hash)

	sh.mu.RLock()
	if t, ok := sh.torrents[hash]; ok {
		t.mu.Lock()
		sh.mu.RUnlock()
		return t
	}
	sh.mu.RUnlock()

	if !create {
		return nil
	}

	sh.mu.Lock()
	t, ok := sh.torrents[hash]
	if !ok {
		t = &Torrent{peers: make(map[HashID]*Peer)}
		sh.torrents[hash] = t
	}
	t.mu.Lock()
	sh.mu.Unlock()

	if !ok && s.log.Core().Enabled(zap.DebugLevel) {
		s.log.Debug("created new torrent", zap.Stringer("info_hash", hash))
	}
	return t
}

// Announce applies one announce to the swarm and returns the requester's view of it.
// Stale peers are purged first so counts and peer lists never include them.
func (s *swarmStore) Announce(infoHash HashID, entry PeerEntry, event Event, numWant int32, now time.Time) AnnounceResult {
	res := AnnounceResult{Interval: s.interval}

	t := s.lockTorrent(infoHash, event != eventStopped)
	if t == nil {
		return res
	}
	defer t.mu.Unlock()

	t.purgeStale(now.Add(-s.staleAfter))

	if event == eventStopped {
		if p, ok := t.removePeer(entry.ID); ok && s.log.Core().Enabled(zap.DebugLevel) {
			s.log.Debug("removed peer",
				zap.Stringer("info_hash", infoHash),
				zap.Stringer("peer_id", entry.ID),
				zap.Stringer("addr", p.Addr))
		}
		res.Seeders, res.Leechers = t.seeders, t.leechers
		return res
	}

	t.upsertPeer(entry, event, now)
	res.Seeders, res.Leechers = t.seeders, t.leechers
	res.Peers = t.selectPeers(entry.ID, s.clampNumWant(numWant))
	return res
}

// clampNumWant applies the server default for num_want <= 0 (-1 on the wire)
// and never exceeds the server maximum.
func (s *swarmStore) clampNumWant(numWant int32) int {
	if numWant <= 0 || int(numWant) > s.maxNumWant {
		return s.maxNumWant
	}
	return int(numWant)
}

// Scrape returns one triple per hash, in request order. Unknown hashes are zero.
func (s *swarmStore) Scrape(hashes []HashID, now time.Time) []ScrapeStats {
	deadline := now.Add(-s.staleAfter)
	stats := make([]ScrapeStats, len(hashes))
	for i, hash := range hashes {
		t := s.lockTorrent(hash, false)
		if t == nil {
			continue
		}
		t.purgeStale(deadline)
		stats[i] = t.scrapeStats()
		t.mu.Unlock()
	}
	return stats
}

// Snapshot returns scrape stats for every known torrent.
func (s *swarmStore) Snapshot(now time.Time) map[HashID]ScrapeStats {
	deadline := now.Add(-s.staleAfter)
	out := make(map[HashID]ScrapeStats)
	for i := range s.shards {
		for _, hash := range s.shards[i].hashes() {
			t := s.lockTorrent(hash, false)
			if t == nil {
				continue
			}
			t.purgeStale(deadline)
			out[hash] = t.scrapeStats()
			t.mu.Unlock()
		}
	}
	return out
}

// Stats counts torrents and peers currently held, stale or not.
func (s *swarmStore) Stats() (torrents, peers int) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		torrents += len(sh.torrents)
		for _, t := range sh.torrents {
			t.mu.Lock()
			peers += len(t.peers)
			t.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return torrents, peers
}

// Reap removes stale peers and empty torrents.
// Returns the number of peers and torrents removed.
func (s *swarmStore) Reap(now time.Time) (peers, torrents int) {
	deadline := now.Add(-s.staleAfter)
	for i := range s.shards {
		sh := &s.shards[i]

		// Phase 1: clean peers and identify empty torrents
		var empty []HashID
		for _, hash := range sh.hashes() {
			t := s.lockTorrent(hash, false)
			if t == nil {
				continue
			}
			peers += t.purgeStale(deadline)
			if len(t.peers) == 0 {
				empty = append(empty, hash)
			}
			t.mu.Unlock()
		}

		// Phase 2: remove torrents that are still empty
		if len(empty) > 0 {
			torrents += sh.removeEmpty(empty)
		}
	}
	if peers > 0 || torrents > 0 {
		s.log.Debug("reaped stale entries", zap.Int("peers", peers), zap.Int("torrents", torrents))
	}
	return peers, torrents
}

// hashes snapshots the shard's keys so cleanup doesn't hold the shard lock
// while walking torrents.
func (sh *shard) hashes() []HashID {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	hashes := make([]HashID, 0, len(sh.torrents))
	for h := range sh.torrents {
		hashes = append(hashes, h)
	}
	return hashes
}

func (sh *shard) removeEmpty(empty []HashID) int {
	removed := 0
	sh.mu.Lock()
	for _, hash := range empty {
		t, ok := sh.torrents[hash]
		if !ok {
			continue
		}
		t.mu.Lock()
		stillEmpty := len(t.peers) == 0
		t.mu.Unlock()
		if stillEmpty {
			delete(sh.torrents, hash)
			removed++
		}
	}
	sh.mu.Unlock()
	return removed
}

// Torrent methods, all called with t.mu held.

func (t *Torrent) upsertPeer(e PeerEntry, event Event, now time.Time) {
	left := e.Left
	if event == eventCompleted {
		left = 0
	}

	if p, exists := t.peers[e.ID]; exists {
		if p.isSeeder() && left > 0 {
			t.seeders--
			t.leechers++
		} else if !p.isSeeder() && left == 0 {
			t.leechers--
			t.seeders++
			if !p.Completed {
				p.Completed = true
				t.completed++
			}
		}
		p.Addr, p.Left = e.Addr, left
		p.Uploaded, p.Downloaded = e.Uploaded, e.Downloaded
		p.LastAnnounced = now
		return
	}

	p := &Peer{
		Addr:          e.Addr,
		Uploaded:      e.Uploaded,
		Downloaded:    e.Downloaded,
		Left:          left,
		LastAnnounced: now,
		seq:           t.nextSeq,
	}
	t.nextSeq++
	if left == 0 {
		t.seeders++
		p.Completed = true
		t.completed++ // peer starts as seeder (has full file) and counts as completed
	} else {
		t.leechers++
	}
	t.peers[e.ID] = p
}

func (t *Torrent) removePeer(id HashID) (*Peer, bool) {
	p, exists := t.peers[id]
	if !exists {
		return nil, false
	}
	t.dropPeer(id, p)
	return p, true
}

func (t *Torrent) dropPeer(id HashID, p *Peer) {
	if p.isSeeder() {
		t.seeders--
	} else {
		t.leechers--
	}
	delete(t.peers, id)
}

// purgeStale removes peers that last announced before deadline.
func (t *Torrent) purgeStale(deadline time.Time) int {
	removed := 0
	for id, p := range t.peers {
		if p.LastAnnounced.Before(deadline) {
			t.dropPeer(id, p)
			removed++
		}
	}
	return removed
}

// selectPeers returns up to numWant IPv4 peers other than exclude,
// most recently announced first, ties broken by insertion order.
func (t *Torrent) selectPeers(exclude HashID, numWant int) []netip.AddrPort {
	candidates := make([]*Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if id != exclude && p.Addr.Addr().Unmap().Is4() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	slices.SortFunc(candidates, func(a, b *Peer) int {
		if c := b.LastAnnounced.Compare(a.LastAnnounced); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	n := min(numWant, len(candidates))
	peers := make([]netip.AddrPort, n)
	for i := range n {
		peers[i] = candidates[i].Addr
	}
	return peers
}

func (t *Torrent) scrapeStats() ScrapeStats {
	//nolint:gosec // seeders/leechers/completed are bounded int counts
	return ScrapeStats{
		Seeders:   uint32(t.seeders),
		Completed: uint32(t.completed),
		Leechers:  uint32(t.leechers),
	}
}
