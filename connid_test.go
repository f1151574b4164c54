package main

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceIDs returns an idSource that yields ids in order and then fails.
func sequenceIDs(ids ...uint64) idSource {
	i := 0
	return func() (uint64, error) {
		if i >= len(ids) {
			return 0, errors.New("sequence exhausted")
		}
		id := ids[i]
		i++
		return id, nil
	}
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestConnRegistry_IssueAndValidate(t *testing.T) {
	r := newConnRegistry(0, nil)
	addr := netip.MustParseAddrPort("192.168.1.1:6881")

	id, err := r.Issue(addr, testEpoch)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(protocolID), id)

	assert.True(t, r.Validate(id, addr, testEpoch))
	assert.True(t, r.Validate(id, addr, testEpoch.Add(defaultConnectionTTL)))
	assert.Equal(t, 1, r.Len())
}

func TestConnRegistry_PortNotBound(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(100))

	id, err := r.Issue(netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch)
	require.NoError(t, err)

	assert.True(t, r.Validate(id, netip.MustParseAddrPort("10.0.0.1:2000"), testEpoch))
}

func TestConnRegistry_DifferentIP(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(100))

	id, err := r.Issue(netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch)
	require.NoError(t, err)

	assert.False(t, r.Validate(id, netip.MustParseAddrPort("10.0.0.2:1000"), testEpoch))
	// a mismatch doesn't revoke the id for its owner
	assert.True(t, r.Validate(id, netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch))
}

func TestConnRegistry_MappedAddressMatchesIPv4(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(100))

	id, err := r.Issue(netip.MustParseAddrPort("[::ffff:10.0.0.1]:1000"), testEpoch)
	require.NoError(t, err)

	assert.True(t, r.Validate(id, netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch))
}

func TestConnRegistry_UnknownID(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(100))
	assert.False(t, r.Validate(100, netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch))
	assert.False(t, r.Validate(protocolID, netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch))
}

func TestConnRegistry_Expired(t *testing.T) {
	r := newConnRegistry(2*time.Minute, sequenceIDs(100))
	addr := netip.MustParseAddrPort("10.0.0.1:1000")

	id, err := r.Issue(addr, testEpoch)
	require.NoError(t, err)

	assert.False(t, r.Validate(id, addr, testEpoch.Add(2*time.Minute+time.Nanosecond)))
	assert.Equal(t, 0, r.Len(), "expired entry should be dropped on validate")
	// and it stays invalid even if time appears to go back
	assert.False(t, r.Validate(id, addr, testEpoch))
}

func TestConnRegistry_RedrawsMagicAndLiveCollisions(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(7, protocolID, 7, 8))
	addr := netip.MustParseAddrPort("10.0.0.1:1000")

	first, err := r.Issue(addr, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), first)

	second, err := r.Issue(addr, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), second)
	assert.Equal(t, 2, r.Len())
}

func TestConnRegistry_ReusesExpiredID(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(7, 7))
	a := netip.MustParseAddrPort("10.0.0.1:1000")
	b := netip.MustParseAddrPort("10.0.0.2:1000")

	_, err := r.Issue(a, testEpoch)
	require.NoError(t, err)

	later := testEpoch.Add(2 * time.Minute)
	id, err := r.Issue(b, later)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.True(t, r.Validate(id, b, later))
	assert.False(t, r.Validate(id, a, later))
}

func TestConnRegistry_GivesUpAfterMaxDraws(t *testing.T) {
	ids := make([]uint64, maxIDDraws)
	for i := range ids {
		ids[i] = protocolID
	}
	r := newConnRegistry(time.Minute, sequenceIDs(ids...))

	_, err := r.Issue(netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch)
	require.ErrorIs(t, err, errNoConnectionID)
	assert.Equal(t, 0, r.Len())
}

func TestConnRegistry_SourceError(t *testing.T) {
	boom := errors.New("entropy unavailable")
	r := newConnRegistry(time.Minute, func() (uint64, error) { return 0, boom })

	_, err := r.Issue(netip.MustParseAddrPort("10.0.0.1:1000"), testEpoch)
	require.ErrorIs(t, err, boom)
}

func TestConnRegistry_Expire(t *testing.T) {
	r := newConnRegistry(time.Minute, sequenceIDs(1, 2, 3))
	addr := netip.MustParseAddrPort("10.0.0.1:1000")

	_, err := r.Issue(addr, testEpoch)
	require.NoError(t, err)
	_, err = r.Issue(addr, testEpoch.Add(30*time.Second))
	require.NoError(t, err)
	live, err := r.Issue(addr, testEpoch.Add(90*time.Second))
	require.NoError(t, err)

	removed := r.Expire(testEpoch.Add(100 * time.Second))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Validate(live, addr, testEpoch.Add(100*time.Second)))
}

func TestCryptoIDSource(t *testing.T) {
	seen := make(map[uint64]struct{})
	for range 64 {
		id, err := cryptoIDSource()
		require.NoError(t, err)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 64)
}
