package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// handlePacket processes any incoming UDP packet end to end:
// decode, dispatch by action, check the connection id for announce/scrape,
// apply it to the swarm store, encode and send.
// Nothing that happens here escapes to the listener.
func (tr *Tracker) handlePacket(conn net.PacketConn, addr netip.AddrPort, packet []byte) {
	defer func() {
		if r := recover(); r != nil {
			tr.events.RequestFailed(addr, kindInternal, fmt.Sprint(r))
			tr.events.DatagramDropped(addr, kindInternal)
		}
	}()

	tr.bytesIn.Add(uint64(len(packet)))
	tr.events.DatagramReceived(addr, len(packet))

	req, err := decodeRequest(packet)
	if err != nil {
		tr.handleMalformed(conn, addr, err)
		return
	}
	tr.events.ActionClassified(addr, req.Action())

	now := tr.clock.Now()
	var resp Response
	switch req := req.(type) {
	case ConnectRequest:
		resp = tr.handleConnect(addr, req, now)
	case AnnounceRequest:
		if resp = tr.checkConnection(addr, req, now); resp == nil {
			resp = tr.handleAnnounce(addr, req, now)
		}
	case ScrapeRequest:
		if resp = tr.checkConnection(addr, req, now); resp == nil {
			resp = tr.handleScrape(addr, req, now)
		}
	}

	tr.send(conn, addr, resp)
}

// handleMalformed answers a datagram that failed to decode when its transaction
// id could be recovered. Anything shorter than a header is dropped: an
// unattributable error reply only wastes bandwidth.
func (tr *Tracker) handleMalformed(conn net.PacketConn, addr netip.AddrPort, err error) {
	var de *DecodeError
	if !errors.As(err, &de) || !de.HasTransactionID {
		tr.events.DatagramDropped(addr, kindMalformed)
		return
	}
	tr.events.RequestFailed(addr, kindMalformed, err.Error())
	tr.send(conn, addr, ErrorResponse{TransactionID: de.TransactionID, Message: de.Kind.Error()})
}

// fail reports a rejected request and builds the error response for it.
func (tr *Tracker) fail(addr netip.AddrPort, req Request, kind, message string) Response {
	tr.events.RequestFailed(addr, kind, message)
	return ErrorResponse{TransactionID: req.TransactionID(), Message: message}
}

// checkConnection returns an error response if req doesn't carry a live
// connection id issued to addr, nil otherwise.
func (tr *Tracker) checkConnection(addr netip.AddrPort, req Request, now time.Time) Response {
	if tr.conns.Validate(req.ConnectionID(), addr, now) {
		return nil
	}
	return tr.fail(addr, req, kindInvalidConnection, "invalid connection ID")
}

// handleConnect is the first step in UDP tracker communication
// The client sends a "connect" request to establish a session, and we give them
// a connection ID they must use in all future requests to prove they're legitimate
// This prevents IP spoofing attacks where someone could fake announce requests
func (tr *Tracker) handleConnect(addr netip.AddrPort, req ConnectRequest, now time.Time) Response {
	if req.ConnectionID() != protocolID {
		return tr.fail(addr, req, kindRejected, "invalid protocol ID")
	}

	if !tr.limiter.Allow(addr, now) {
		return tr.fail(addr, req, kindRateLimited, "rate limit exceeded, try again later")
	}

	connectionID, err := tr.conns.Issue(addr, now)
	if err != nil {
		// nothing useful to tell the client; let it retry
		tr.events.RequestFailed(addr, kindInternal, err.Error())
		return nil
	}

	return ConnectResponse{TransactionID: req.TransactionID(), ConnectionID: connectionID}
}

// handleAnnounce is the main interaction - a client tells us they're downloading
// and asks for a list of other people to connect to
func (tr *Tracker) handleAnnounce(addr netip.AddrPort, req AnnounceRequest, now time.Time) Response {
	if !tr.isWhitelisted(req.InfoHash) {
		tr.log.Info("announce rejected: info_hash not whitelisted",
			zap.Stringer("info_hash", req.InfoHash), zap.Stringer("addr", addr))
		return tr.fail(addr, req, kindRejected, "torrent not authorized")
	}

	if req.Port == 0 {
		return tr.fail(addr, req, kindRejected, "port cannot be 0")
	}

	peerAddr, errMsg := determinePeerAddr(addr, req.IPAddress, req.Port)
	if errMsg != "" {
		return tr.fail(addr, req, kindRejected, errMsg)
	}

	if tr.log.Core().Enabled(zap.DebugLevel) {
		tr.log.Debug("announce",
			zap.Stringer("addr", addr),
			zap.Stringer("info_hash", req.InfoHash),
			zap.Stringer("peer_id", req.PeerID),
			zap.Stringer("event", req.Event),
			zap.Uint64("left", req.Left),
			zap.Int32("num_want", req.NumWant),
			zap.Stringer("peer", peerAddr))
	}

	res := tr.store.Announce(req.InfoHash, PeerEntry{
		Addr:       peerAddr,
		ID:         req.PeerID,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
	}, req.Event, req.NumWant, now)

	//nolint:gosec // interval and counts are bounded
	return AnnounceResponse{
		TransactionID: req.TransactionID(),
		Interval:      uint32(res.Interval / time.Second),
		Leechers:      uint32(res.Leechers),
		Seeders:       uint32(res.Seeders),
		Peers:         res.Peers,
	}
}

// determinePeerAddr picks the address other peers should dial.
// The IP field of the request overrides the source address when non-zero.
// Returns an error message when the announce can't be served.
func determinePeerAddr(src netip.AddrPort, ipAddr uint32, port uint16) (netip.AddrPort, string) {
	ip := src.Addr().Unmap()
	if !ip.Is4() {
		return netip.AddrPort{}, "IPv6 announce not supported"
	}
	if ipAddr != 0 {
		ip = netip.AddrFrom4([4]byte{byte(ipAddr >> 24), byte(ipAddr >> 16), byte(ipAddr >> 8), byte(ipAddr)})
	}
	return netip.AddrPortFrom(ip, port), ""
}

// handleScrape lets clients ask for statistics about torrents without announcing
// This is useful for checking if a torrent is active before downloading
func (tr *Tracker) handleScrape(addr netip.AddrPort, req ScrapeRequest, now time.Time) Response {
	stats := tr.store.Scrape(req.InfoHashes, now)
	for i, hash := range req.InfoHashes {
		if !tr.isWhitelisted(hash) {
			stats[i] = ScrapeStats{}
		}
	}

	if tr.log.Core().Enabled(zap.DebugLevel) {
		tr.log.Debug("scrape", zap.Stringer("addr", addr), zap.Int("hashes", len(req.InfoHashes)))
	}

	return ScrapeResponse{TransactionID: req.TransactionID(), Stats: stats}
}

// send encodes and writes resp. A nil resp means the datagram is dropped.
// Send failures are reported and never retried beyond transient socket errors;
// retransmission is the client's job.
func (tr *Tracker) send(conn net.PacketConn, addr netip.AddrPort, resp Response) {
	if resp == nil {
		tr.events.DatagramDropped(addr, kindInternal)
		return
	}

	n, err := writeWithRetry(conn, encodeResponse(resp), net.UDPAddrFromAddrPort(addr))
	if err != nil {
		tr.events.RequestFailed(addr, kindSendFailure, err.Error())
		return
	}
	tr.bytesOut.Add(uint64(n))
	tr.events.ResponseSent(addr, resp.Action(), n)
}
