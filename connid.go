package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"
)

// BEP 15: a connection id may be used for up to two minutes after issue.
const defaultConnectionTTL = 2 * time.Minute

// maxIDDraws bounds collision retries when drawing a fresh connection id.
const maxIDDraws = 8

var errNoConnectionID = errors.New("could not draw an unused connection id")

// idSource yields unpredictable 64-bit values. Tests substitute a
// deterministic sequence.
type idSource func() (uint64, error)

func cryptoIDSource() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

type connEntry struct {
	issued time.Time
	addr   netip.Addr
}

// connRegistry issues connection ids and remembers which address each was
// issued to. A single mutex is enough: every critical section is one map op.
type connRegistry struct {
	entries map[uint64]connEntry
	ids     idSource
	ttl     time.Duration
	mu      sync.Mutex
}

func newConnRegistry(ttl time.Duration, ids idSource) *connRegistry {
	if ttl <= 0 {
		ttl = defaultConnectionTTL
	}
	if ids == nil {
		ids = cryptoIDSource
	}
	return &connRegistry{
		entries: make(map[uint64]connEntry),
		ids:     ids,
		ttl:     ttl,
	}
}

// Issue creates a connection id bound to the requester's IP.
// The port is not part of the binding so clients behind a NAT that
// remaps ports between requests keep their session.
func (r *connRegistry) Issue(addr netip.AddrPort, now time.Time) (uint64, error) {
	ip := addr.Addr().Unmap()

	r.mu.Lock()
	defer r.mu.Unlock()

	for range maxIDDraws {
		id, err := r.ids()
		if err != nil {
			return 0, err
		}
		// the magic is what clients send before they have an id
		if id == protocolID {
			continue
		}
		if e, taken := r.entries[id]; taken && now.Sub(e.issued) <= r.ttl {
			continue
		}
		r.entries[id] = connEntry{issued: now, addr: ip}
		return id, nil
	}
	return 0, errNoConnectionID
}

// Validate reports whether id was issued to addr's IP and is still within its TTL.
// Expired entries found here are dropped.
func (r *connRegistry) Validate(id uint64, addr netip.AddrPort, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if now.Sub(e.issued) > r.ttl {
		delete(r.entries, id)
		return false
	}
	return e.addr == addr.Addr().Unmap()
}

// Expire removes every entry past its TTL and returns how many were removed.
func (r *connRegistry) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if now.Sub(e.issued) > r.ttl {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *connRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
