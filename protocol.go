package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Protocol constants for the UDP Tracker Protocol (BEP 15)
// https://bittorrent.org/beps/bep_0015.html
const (
	protocolID = 0x41727101980 // fixed "magic constant"

	maxPacketSize = 1500 // typical unfragmented Ethernet frame (MTU)

	// Packet header size: connection_id:8 + action:4 + transaction_id:4
	packetHeaderSize = 16

	// connection_id:8 + action:4 + transaction_id:4 + info_hash:20 + peer_id:20 +
	// downloaded:8 + left:8 + uploaded:8 + event:4 + IP:4 + key:4 + num_want:4 + port:2
	announcePacketSize = 98

	hashSize = 20

	// Caps the work done for one scrape and keeps the response
	// (8 + 74*12 = 896 bytes) well under the MTU.
	maxScrapeHashes = 74

	connectResponseSize = 4 + 4 + 8 // action:4 + transaction_id:4 + connection_id:8
	announceHeaderSize  = 20        // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	peerSizeV4          = 6         // ip:4 + port:2
	scrapeHeaderSize    = 8         // action:4 + transaction_id:4
	scrapeEntrySize     = 12        // seeders:4 + completed:4 + leechers:4
	errorHeaderSize     = 8         // action:4 + transaction_id:4
)

type Action uint32

const (
	actionConnect Action = iota
	actionAnnounce
	actionScrape
	actionError
)

func (a Action) String() string {
	switch a {
	case actionConnect:
		return "connect"
	case actionAnnounce:
		return "announce"
	case actionScrape:
		return "scrape"
	case actionError:
		return "error"
	default:
		return fmt.Sprintf("action(%d)", uint32(a))
	}
}

type Event uint32

const (
	eventNone Event = iota // regular update
	eventCompleted
	eventStarted
	eventStopped
)

// eventFromWire maps unknown event codes to eventNone, the way most
// trackers treat a regular interval update.
func eventFromWire(v uint32) Event {
	if v > uint32(eventStopped) {
		return eventNone
	}
	return Event(v)
}

func (e Event) String() string {
	switch e {
	case eventCompleted:
		return "completed"
	case eventStarted:
		return "started"
	case eventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Decode errors. A *DecodeError matches one of these with errors.Is.
var (
	ErrTooShort    = errors.New("packet shorter than header")
	ErrBadAction   = errors.New("unknown action")
	ErrWrongLength = errors.New("invalid packet size")
)

// DecodeError describes a datagram that could not be decoded.
// HasTransactionID reports whether the header was long enough to
// recover the transaction id, in which case an error response can be sent.
type DecodeError struct {
	Kind             error
	Action           Action
	TransactionID    uint32
	Length           int
	HasTransactionID bool
}

func (e *DecodeError) Error() string {
	if !e.HasTransactionID {
		return fmt.Sprintf("decode: %v (%d bytes)", e.Kind, e.Length)
	}
	return fmt.Sprintf("decode %s: %v (%d bytes)", e.Action, e.Kind, e.Length)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

// Request is one decoded client datagram.
type Request interface {
	Action() Action
	ConnectionID() uint64
	TransactionID() uint32
}

// header holds the fields every request starts with.
type header struct {
	connectionID  uint64
	transactionID uint32
}

func (h header) ConnectionID() uint64  { return h.connectionID }
func (h header) TransactionID() uint32 { return h.transactionID }

type ConnectRequest struct {
	header
}

func (ConnectRequest) Action() Action { return actionConnect }

// AnnounceRequest holds the parsed fields from an announce request packet.
// NumWant is signed on the wire: -1 asks for the server default.
type AnnounceRequest struct {
	header
	InfoHash   HashID
	PeerID     HashID
	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      Event
	IPAddress  uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

func (AnnounceRequest) Action() Action { return actionAnnounce }

type ScrapeRequest struct {
	header
	InfoHashes []HashID
}

func (ScrapeRequest) Action() Action { return actionScrape }

// decodeRequest parses a raw datagram. It never panics on malformed input:
// every failure is a *DecodeError.
// Packet header format: [connection_id:8][action:4][transaction_id:4]
func decodeRequest(packet []byte) (Request, error) {
	if len(packet) < packetHeaderSize {
		return nil, &DecodeError{Kind: ErrTooShort, Length: len(packet)}
	}

	h := header{
		connectionID:  binary.BigEndian.Uint64(packet[0:8]),
		transactionID: binary.BigEndian.Uint32(packet[12:16]),
	}
	action := Action(binary.BigEndian.Uint32(packet[8:12]))
	wrongLength := func() error {
		return &DecodeError{
			Kind:             ErrWrongLength,
			Action:           action,
			TransactionID:    h.transactionID,
			Length:           len(packet),
			HasTransactionID: true,
		}
	}

	switch action {
	case actionConnect:
		if len(packet) != packetHeaderSize {
			return nil, wrongLength()
		}
		return ConnectRequest{header: h}, nil

	case actionAnnounce:
		if len(packet) != announcePacketSize {
			return nil, wrongLength()
		}
		return decodeAnnounce(h, packet), nil

	case actionScrape:
		body := len(packet) - packetHeaderSize
		if body == 0 || body%hashSize != 0 || body/hashSize > maxScrapeHashes {
			return nil, wrongLength()
		}
		hashes := make([]HashID, body/hashSize)
		for i := range hashes {
			off := packetHeaderSize + i*hashSize
			hashes[i] = NewHashID(packet[off : off+hashSize])
		}
		return ScrapeRequest{header: h, InfoHashes: hashes}, nil

	default:
		return nil, &DecodeError{
			Kind:             ErrBadAction,
			Action:           action,
			TransactionID:    h.transactionID,
			Length:           len(packet),
			HasTransactionID: true,
		}
	}
}

// decodeAnnounce expects exactly announcePacketSize bytes.
//
//	[connection_id:8][action:4][transaction_id:4][info_hash:20][peer_id:20]
//	[downloaded:8][left:8][uploaded:8][event:4][IP:4][key:4][num_want:4][port:2]
func decodeAnnounce(h header, packet []byte) AnnounceRequest {
	return AnnounceRequest{
		header:     h,
		InfoHash:   NewHashID(packet[16:36]),
		PeerID:     NewHashID(packet[36:56]),
		Downloaded: binary.BigEndian.Uint64(packet[56:64]),
		Left:       binary.BigEndian.Uint64(packet[64:72]),
		Uploaded:   binary.BigEndian.Uint64(packet[72:80]),
		Event:      eventFromWire(binary.BigEndian.Uint32(packet[80:84])),
		IPAddress:  binary.BigEndian.Uint32(packet[84:88]),
		Key:        binary.BigEndian.Uint32(packet[88:92]),
		//nolint:gosec // num_want is a signed field on the wire
		NumWant: int32(binary.BigEndian.Uint32(packet[92:96])),
		Port:    binary.BigEndian.Uint16(packet[96:98]),
	}
}

// Response is anything the tracker can send back to a client.
type Response interface {
	Action() Action
	AppendBinary(dst []byte) []byte
}

type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

func (ConnectResponse) Action() Action { return actionConnect }

// AppendBinary writes [action:4][transaction_id:4][connection_id:8].
func (r ConnectResponse) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(actionConnect))
	dst = binary.BigEndian.AppendUint32(dst, r.TransactionID)
	return binary.BigEndian.AppendUint64(dst, r.ConnectionID)
}

// AnnounceResponse carries the swarm view returned to an announcing peer.
// Only IPv4 peers are encoded; IPv6 compact peers need a different response layout.
type AnnounceResponse struct {
	Peers         []netip.AddrPort
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
}

func (AnnounceResponse) Action() Action { return actionAnnounce }

func (r AnnounceResponse) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(actionAnnounce))
	dst = binary.BigEndian.AppendUint32(dst, r.TransactionID)
	dst = binary.BigEndian.AppendUint32(dst, r.Interval)
	dst = binary.BigEndian.AppendUint32(dst, r.Leechers)
	dst = binary.BigEndian.AppendUint32(dst, r.Seeders)
	for _, p := range r.Peers {
		addr := p.Addr().Unmap()
		if !addr.Is4() {
			continue
		}
		ip := addr.As4()
		dst = append(dst, ip[:]...)
		dst = binary.BigEndian.AppendUint16(dst, p.Port())
	}
	return dst
}

// ScrapeStats holds the statistics for a single torrent in a scrape response.
type ScrapeStats struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

type ScrapeResponse struct {
	Stats         []ScrapeStats
	TransactionID uint32
}

func (ScrapeResponse) Action() Action { return actionScrape }

func (r ScrapeResponse) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(actionScrape))
	dst = binary.BigEndian.AppendUint32(dst, r.TransactionID)
	for _, s := range r.Stats {
		dst = binary.BigEndian.AppendUint32(dst, s.Seeders)
		dst = binary.BigEndian.AppendUint32(dst, s.Completed)
		dst = binary.BigEndian.AppendUint32(dst, s.Leechers)
	}
	return dst
}

// ErrorResponse format: [action:4][transaction_id:4][error_message:variable]
type ErrorResponse struct {
	Message       string
	TransactionID uint32
}

func (ErrorResponse) Action() Action { return actionError }

func (r ErrorResponse) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(actionError))
	dst = binary.BigEndian.AppendUint32(dst, r.TransactionID)
	return append(dst, r.Message...)
}

// responseSize returns the exact encoded size so encodeResponse allocates once.
func responseSize(r Response) int {
	switch r := r.(type) {
	case ConnectResponse:
		return connectResponseSize
	case AnnounceResponse:
		return announceHeaderSize + len(r.Peers)*peerSizeV4
	case ScrapeResponse:
		return scrapeHeaderSize + len(r.Stats)*scrapeEntrySize
	case ErrorResponse:
		return errorHeaderSize + len(r.Message)
	default:
		return 0
	}
}

func encodeResponse(r Response) []byte {
	return r.AppendBinary(make([]byte, 0, responseSize(r)))
}
