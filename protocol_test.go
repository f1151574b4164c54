package main

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// announceFields holds the body of an announce datagram for tests.
type announceFields struct {
	infoHash   HashID
	peerID     HashID
	downloaded uint64
	left       uint64
	uploaded   uint64
	event      Event
	ip         uint32
	key        uint32
	numWant    int32
	port       uint16
}

func buildHeader(connectionID uint64, action Action, transactionID uint32) []byte {
	b := make([]byte, 0, announcePacketSize)
	b = binary.BigEndian.AppendUint64(b, connectionID)
	b = binary.BigEndian.AppendUint32(b, uint32(action))
	return binary.BigEndian.AppendUint32(b, transactionID)
}

func buildConnect(transactionID uint32) []byte {
	return buildHeader(protocolID, actionConnect, transactionID)
}

func buildAnnounce(connectionID uint64, transactionID uint32, f announceFields) []byte {
	b := buildHeader(connectionID, actionAnnounce, transactionID)
	b = append(b, f.infoHash[:]...)
	b = append(b, f.peerID[:]...)
	b = binary.BigEndian.AppendUint64(b, f.downloaded)
	b = binary.BigEndian.AppendUint64(b, f.left)
	b = binary.BigEndian.AppendUint64(b, f.uploaded)
	b = binary.BigEndian.AppendUint32(b, uint32(f.event))
	b = binary.BigEndian.AppendUint32(b, f.ip)
	b = binary.BigEndian.AppendUint32(b, f.key)
	b = binary.BigEndian.AppendUint32(b, uint32(f.numWant))
	return binary.BigEndian.AppendUint16(b, f.port)
}

func buildScrape(connectionID uint64, transactionID uint32, hashes ...HashID) []byte {
	b := buildHeader(connectionID, actionScrape, transactionID)
	for _, h := range hashes {
		b = append(b, h[:]...)
	}
	return b
}

func TestDecodeRequest_Connect(t *testing.T) {
	packet := []byte{
		0x00, 0x00, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x7B,
	}

	req, err := decodeRequest(packet)
	require.NoError(t, err)

	connect, ok := req.(ConnectRequest)
	require.True(t, ok, "expected ConnectRequest, got %T", req)
	assert.Equal(t, uint64(0x41727101980), connect.ConnectionID())
	assert.Equal(t, uint32(0x7B), connect.TransactionID())
	assert.Equal(t, actionConnect, connect.Action())
}

func TestEncodeResponse_Connect(t *testing.T) {
	got := encodeResponse(ConnectResponse{TransactionID: 0x7B, ConnectionID: 0x0102030405060708})

	want := []byte{
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x7B,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
	assert.Equal(t, want, got)
}

func TestDecodeRequest_TooShort(t *testing.T) {
	for _, n := range []int{0, 1, 8, 15} {
		_, err := decodeRequest(make([]byte, n))
		require.ErrorIs(t, err, ErrTooShort, "length %d", n)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.False(t, de.HasTransactionID, "length %d", n)
		assert.Equal(t, n, de.Length)
	}
}

func TestDecodeRequest_UnknownAction(t *testing.T) {
	for _, action := range []Action{actionError, 4, 0xFFFFFFFF} {
		_, err := decodeRequest(buildHeader(protocolID, action, 99))
		require.ErrorIs(t, err, ErrBadAction, "action %d", action)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.True(t, de.HasTransactionID)
		assert.Equal(t, uint32(99), de.TransactionID)
		assert.Equal(t, action, de.Action)
	}
}

func TestDecodeRequest_WrongLength(t *testing.T) {
	announce := buildAnnounce(1, 7, announceFields{port: 6881})
	hash := HashID{0xAA}
	tooMany := make([]HashID, maxScrapeHashes+1)

	tests := []struct {
		name   string
		packet []byte
		action Action
	}{
		{"connect with trailing byte", append(buildConnect(7), 0), actionConnect},
		{"announce one byte short", announce[:announcePacketSize-1], actionAnnounce},
		{"announce one byte long", append(append([]byte{}, announce...), 0), actionAnnounce},
		{"scrape without hashes", buildScrape(1, 7), actionScrape},
		{"scrape with partial hash", buildScrape(1, 7, hash)[:packetHeaderSize+hashSize-1], actionScrape},
		{"scrape with partial second hash", append(buildScrape(1, 7, hash), 0x01), actionScrape},
		{"scrape over hash limit", buildScrape(1, 7, tooMany...), actionScrape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRequest(tt.packet)
			require.ErrorIs(t, err, ErrWrongLength)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.True(t, de.HasTransactionID)
			assert.Equal(t, uint32(7), de.TransactionID)
			assert.Equal(t, tt.action, de.Action)
			assert.Equal(t, len(tt.packet), de.Length)
		})
	}
}

func TestDecodeRequest_Announce(t *testing.T) {
	f := announceFields{
		infoHash:   HashID{0x01, 0x02, 0x03},
		peerID:     HashID{0x2D, 0x71, 0x42},
		downloaded: 1 << 40,
		left:       12345,
		uploaded:   999,
		event:      eventStarted,
		ip:         0x0A000001,
		key:        0xDEADBEEF,
		numWant:    -1,
		port:       51413,
	}
	packet := buildAnnounce(0x1122334455667788, 0xCAFE, f)
	require.Len(t, packet, announcePacketSize)

	req, err := decodeRequest(packet)
	require.NoError(t, err)

	ann, ok := req.(AnnounceRequest)
	require.True(t, ok, "expected AnnounceRequest, got %T", req)
	assert.Equal(t, uint64(0x1122334455667788), ann.ConnectionID())
	assert.Equal(t, uint32(0xCAFE), ann.TransactionID())
	assert.Equal(t, f.infoHash, ann.InfoHash)
	assert.Equal(t, f.peerID, ann.PeerID)
	assert.Equal(t, f.downloaded, ann.Downloaded)
	assert.Equal(t, f.left, ann.Left)
	assert.Equal(t, f.uploaded, ann.Uploaded)
	assert.Equal(t, eventStarted, ann.Event)
	assert.Equal(t, f.ip, ann.IPAddress)
	assert.Equal(t, f.key, ann.Key)
	assert.Equal(t, int32(-1), ann.NumWant)
	assert.Equal(t, f.port, ann.Port)
}

func TestDecodeRequest_AnnounceUnknownEvent(t *testing.T) {
	req, err := decodeRequest(buildAnnounce(1, 2, announceFields{event: 9, port: 1}))
	require.NoError(t, err)
	assert.Equal(t, eventNone, req.(AnnounceRequest).Event)
}

func TestDecodeRequest_Scrape(t *testing.T) {
	h1 := HashID{0x11}
	h2 := HashID{0x22}
	h3 := HashID{0x11}

	req, err := decodeRequest(buildScrape(5, 6, h1, h2, h3))
	require.NoError(t, err)

	scrape, ok := req.(ScrapeRequest)
	require.True(t, ok, "expected ScrapeRequest, got %T", req)
	assert.Equal(t, uint64(5), scrape.ConnectionID())
	assert.Equal(t, uint32(6), scrape.TransactionID())
	// order and duplicates are preserved
	assert.Equal(t, []HashID{h1, h2, h3}, scrape.InfoHashes)
}

func TestDecodeRequest_ScrapeAtHashLimit(t *testing.T) {
	hashes := make([]HashID, maxScrapeHashes)
	for i := range hashes {
		hashes[i] = HashID{byte(i)}
	}

	req, err := decodeRequest(buildScrape(1, 1, hashes...))
	require.NoError(t, err)
	assert.Len(t, req.(ScrapeRequest).InfoHashes, maxScrapeHashes)
}

func TestEncodeResponse_Announce(t *testing.T) {
	resp := AnnounceResponse{
		TransactionID: 42,
		Interval:      900,
		Leechers:      3,
		Seeders:       1,
		Peers: []netip.AddrPort{
			netip.MustParseAddrPort("192.168.1.10:6881"),
			netip.MustParseAddrPort("[2001:db8::1]:6881"),
			netip.MustParseAddrPort("[::ffff:10.0.0.1]:51413"),
		},
	}

	got := encodeResponse(resp)

	// the IPv6 peer is skipped, the mapped one is written as IPv4
	require.Len(t, got, announceHeaderSize+2*peerSizeV4)
	assert.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(got[0:4]))
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(got[4:8]))
	assert.Equal(t, uint32(900), binary.BigEndian.Uint32(got[8:12]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(got[12:16]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(got[16:20]))
	assert.Equal(t, []byte{192, 168, 1, 10, 0x1A, 0xE1}, got[20:26])
	assert.Equal(t, []byte{10, 0, 0, 1, 0xC8, 0xD5}, got[26:32])
}

func TestEncodeResponse_Scrape(t *testing.T) {
	resp := ScrapeResponse{
		TransactionID: 7,
		Stats: []ScrapeStats{
			{Seeders: 1, Completed: 2, Leechers: 3},
			{},
		},
	}

	got := encodeResponse(resp)

	require.Len(t, got, scrapeHeaderSize+2*scrapeEntrySize)
	assert.Equal(t, uint32(actionScrape), binary.BigEndian.Uint32(got[0:4]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(got[4:8]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(got[8:12]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(got[12:16]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(got[16:20]))
	assert.Equal(t, make([]byte, scrapeEntrySize), got[20:32])
}

func TestEncodeResponse_Error(t *testing.T) {
	got := encodeResponse(ErrorResponse{TransactionID: 0xABCD, Message: "invalid connection ID"})

	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(got[0:4]))
	assert.Equal(t, uint32(0xABCD), binary.BigEndian.Uint32(got[4:8]))
	assert.Equal(t, "invalid connection ID", string(got[8:]))
	assert.Len(t, got, errorHeaderSize+len("invalid connection ID"))
}

func TestResponseSize_MatchesEncoding(t *testing.T) {
	responses := []Response{
		ConnectResponse{TransactionID: 1, ConnectionID: 2},
		AnnounceResponse{Peers: []netip.AddrPort{netip.MustParseAddrPort("1.2.3.4:5")}},
		ScrapeResponse{Stats: make([]ScrapeStats, 3)},
		ErrorResponse{Message: "nope"},
	}
	for _, r := range responses {
		b := encodeResponse(r)
		assert.Len(t, b, responseSize(r), "%T", r)
		assert.Equal(t, len(b), cap(b), "%T should encode without growing", r)
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "connect", actionConnect.String())
	assert.Equal(t, "announce", actionAnnounce.String())
	assert.Equal(t, "scrape", actionScrape.String())
	assert.Equal(t, "error", actionError.String())
	assert.Equal(t, "action(9)", Action(9).String())
}

func TestDecodeError_Message(t *testing.T) {
	_, err := decodeRequest(make([]byte, 3))
	assert.EqualError(t, err, "decode: packet shorter than header (3 bytes)")

	_, err = decodeRequest(append(buildConnect(1), 0, 0))
	assert.EqualError(t, err, "decode connect: invalid packet size (18 bytes)")
}
