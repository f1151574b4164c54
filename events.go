package main

import (
	"net/netip"

	"go.uber.org/zap"
)

// Failure kinds reported to an EventSink.
const (
	kindMalformed         = "malformed_datagram"
	kindInvalidConnection = "invalid_connection"
	kindRejected          = "rejected"
	kindRateLimited       = "rate_limited"
	kindSendFailure       = "send_failure"
	kindInternal          = "internal_inconsistency"
)

// EventSink receives what the handler observes about each datagram.
// Implementations must be safe for concurrent use.
type EventSink interface {
	DatagramReceived(addr netip.AddrPort, size int)
	ActionClassified(addr netip.AddrPort, action Action)
	ResponseSent(addr netip.AddrPort, action Action, size int)
	RequestFailed(addr netip.AddrPort, kind, reason string)
	DatagramDropped(addr netip.AddrPort, kind string)
}

// multiSink fans events out to several sinks.
type multiSink []EventSink

func (m multiSink) DatagramReceived(addr netip.AddrPort, size int) {
	for _, s := range m {
		s.DatagramReceived(addr, size)
	}
}

func (m multiSink) ActionClassified(addr netip.AddrPort, action Action) {
	for _, s := range m {
		s.ActionClassified(addr, action)
	}
}

func (m multiSink) ResponseSent(addr netip.AddrPort, action Action, size int) {
	for _, s := range m {
		s.ResponseSent(addr, action, size)
	}
}

func (m multiSink) RequestFailed(addr netip.AddrPort, kind, reason string) {
	for _, s := range m {
		s.RequestFailed(addr, kind, reason)
	}
}

func (m multiSink) DatagramDropped(addr netip.AddrPort, kind string) {
	for _, s := range m {
		s.DatagramDropped(addr, kind)
	}
}

// logSink writes events to a zap logger. Everything but send failures
// and internal errors is debug level.
type logSink struct {
	log *zap.Logger
}

func newLogSink(log *zap.Logger) logSink {
	return logSink{log: log.Named("events")}
}

// Don't need to debug everything from loopback, reduce spam (healthcheck)
func (s logSink) debug(addr netip.AddrPort) bool {
	return !addr.Addr().IsLoopback() && s.log.Core().Enabled(zap.DebugLevel)
}

func (s logSink) DatagramReceived(addr netip.AddrPort, size int) {
	if s.debug(addr) {
		s.log.Debug("datagram received", zap.Stringer("addr", addr), zap.Int("size", size))
	}
}

func (s logSink) ActionClassified(addr netip.AddrPort, action Action) {
	if s.debug(addr) {
		s.log.Debug("action classified", zap.Stringer("addr", addr), zap.Stringer("action", action))
	}
}

func (s logSink) ResponseSent(addr netip.AddrPort, action Action, size int) {
	if s.debug(addr) {
		s.log.Debug("response sent",
			zap.Stringer("addr", addr),
			zap.Stringer("action", action),
			zap.Int("size", size))
	}
}

func (s logSink) RequestFailed(addr netip.AddrPort, kind, reason string) {
	switch kind {
	case kindSendFailure:
		s.log.Info("failed to send response", zap.Stringer("addr", addr), zap.String("reason", reason))
	case kindInternal:
		s.log.Error("internal error handling datagram", zap.Stringer("addr", addr), zap.String("reason", reason))
	default:
		if s.debug(addr) {
			s.log.Debug("request failed",
				zap.Stringer("addr", addr),
				zap.String("kind", kind),
				zap.String("reason", reason))
		}
	}
}

func (s logSink) DatagramDropped(addr netip.AddrPort, kind string) {
	if s.debug(addr) {
		s.log.Debug("datagram dropped", zap.Stringer("addr", addr), zap.String("kind", kind))
	}
}
