package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tevino/abool/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultListenAddr    = "0.0.0.0:6969"
	defaultMaxInFlight   = 256
	defaultStatsInterval = 5 * time.Minute

	// A send is retried only while the socket reports it can't take the
	// datagram yet; anything else is the client's problem.
	sendAttempts   = 3
	sendRetryDelay = 5 * time.Millisecond

	metricsShutdownTimeout = 5 * time.Second

	// Consecutive read failures back off exponentially between these bounds.
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// datagramConn is the part of *net.UDPConn the read loop needs.
type datagramConn interface {
	net.PacketConn
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
}

type Server struct {
	tr        *Tracker
	clock     clock.Clock
	log       *zap.Logger
	registry  *prometheus.Registry
	admission *semaphore.Weighted
	draining  *abool.AtomicBool
	ready     chan struct{}
	addr      net.Addr
	cfg       config
	inFlight  atomic.Int64
}

// NewServer creates and initializes a new server instance
func NewServer(cfg config, log *zap.Logger) *Server {
	return newServer(cfg, log, clock.New())
}

func newServer(cfg config, log *zap.Logger, clk clock.Clock) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	log = log.With(zap.String("instance", uuid.NewString()))
	reg := prometheus.NewRegistry()

	tr := &Tracker{
		store:   newSwarmStore(log.Named("store"), cfg.AnnounceInterval, cfg.MaxNumWant),
		conns:   newConnRegistry(cfg.ConnectionTTL, cryptoIDSource),
		limiter: newConnectLimiter(cfg.RateLimitWindow, cfg.RateLimitBurst),
		clock:   clk,
		log:     log,
	}
	tr.events = multiSink{newLogSink(log), newMetricsSink(reg)}

	s := &Server{
		tr:        tr,
		clock:     clk,
		log:       log,
		registry:  reg,
		admission: semaphore.NewWeighted(cfg.MaxInFlight),
		draining:  abool.New(),
		ready:     make(chan struct{}),
		cfg:       cfg,
	}
	registerStateGauges(reg, tr, func() float64 { return float64(s.inFlight.Load()) })
	return s
}

// Run starts the server and blocks until context cancellation and
// every in-flight handler has finished.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting pico-swarm", zap.String("version", version))

	conn, err := listenUDP(s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.log.Info("UDP tracker listening", zap.Stringer("addr", conn.LocalAddr()))

	var metrics *metricsServer
	if s.cfg.MetricsListen != "" {
		metrics, err = newMetricsServer(s.cfg.MetricsListen, s.registry, s.tr)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to listen for metrics: %w", err), conn.Close())
		}
		s.log.Info("metrics listening", zap.Stringer("addr", metrics.Addr()))
		go metrics.serve(s.log)
	}

	if s.cfg.Whitelist != "" {
		s.tr.startWhitelistManager(ctx, s.cfg.Whitelist, s.clock)
	}

	go s.cleanupLoop(ctx)
	go s.statsLoop(ctx)

	s.addr = conn.LocalAddr()
	close(s.ready)

	s.serve(ctx, conn)
	s.log.Info("shutting down gracefully, waiting for in-flight requests to complete")
	s.tr.wg.Wait()

	err = conn.Close()
	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, metrics.Shutdown(shutdownCtx))
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("shutdown complete")
	return nil
}

// serve reads datagrams and hands each to its own goroutine until ctx is done.
// At most cfg.MaxInFlight handlers run at once; beyond that reads are
// deferred and the kernel socket buffer absorbs the burst.
func (s *Server) serve(ctx context.Context, conn datagramConn) {
	stop := context.AfterFunc(ctx, func() {
		s.draining.Set()
		// Unblock the pending read. The socket stays open so in-flight
		// handlers can still send their responses.
		if err := conn.SetReadDeadline(time.Now()); err != nil {
			s.log.Debug("failed to set read deadline", zap.Error(err))
		}
	})
	defer stop()

	var backoff time.Duration
	for {
		if err := s.admission.Acquire(ctx, 1); err != nil {
			return
		}

		readBuf := getBuffer()
		n, addr, err := conn.ReadFromUDPAddrPort(*readBuf)
		if err != nil {
			putBuffer(readBuf)
			s.admission.Release(1)
			if s.draining.IsSet() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextReadBackoff(backoff)
			s.log.Error("failed to read UDP packet", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(backoff):
			}
			continue
		}
		backoff = 0

		// Resize slice to actual data size
		*readBuf = (*readBuf)[:n]

		s.tr.wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer func() {
				putBuffer(readBuf)
				s.inFlight.Add(-1)
				s.admission.Release(1)
				s.tr.wg.Done()
			}()
			s.tr.handlePacket(conn, addr, *readBuf)
		}()
	}
}

// nextReadBackoff doubles the previous wait, starting at minReadBackoff and
// capped at maxReadBackoff.
func nextReadBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minReadBackoff
	}
	return min(2*prev, maxReadBackoff)
}

// cleanupLoop periodically reaps stale peers and expired connection ids.
func (s *Server) cleanupLoop(ctx context.Context) {
	interval := s.tr.store.interval
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Server) cleanup() {
	now := s.clock.Now()
	peers, torrents := s.tr.store.Reap(now)
	ids := s.tr.conns.Expire(now)
	s.log.Debug("cleanup finished",
		zap.Int("stale_peers", peers),
		zap.Int("empty_torrents", torrents),
		zap.Int("expired_connection_ids", ids))
}

func (s *Server) statsLoop(ctx context.Context) {
	if s.cfg.StatsInterval <= 0 {
		return
	}
	ticker := s.clock.Ticker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	torrents, peers := s.tr.store.Stats()
	s.log.Info("stats",
		zap.Int("torrents", torrents),
		zap.Int("peers", peers),
		zap.Int("connection_ids", s.tr.conns.Len()),
		zap.Int("rate_limited_addrs", s.tr.limiter.Len()),
		zap.Int64("in_flight", s.inFlight.Load()),
		zap.String("received", bytefmt.ByteSize(s.tr.bytesIn.Load())),
		zap.String("sent", bytefmt.ByteSize(s.tr.bytesOut.Load())))
}

// writeWithRetry writes one datagram, retrying a few times while the
// socket signals it isn't ready.
func writeWithRetry(conn net.PacketConn, b []byte, addr net.Addr) (int, error) {
	var n int
	err := retry.Do(
		func() error {
			var err error
			n, err = conn.WriteTo(b, addr)
			return err
		},
		retry.Attempts(sendAttempts),
		retry.Delay(sendRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isTransientSendError),
		retry.LastErrorOnly(true),
	)
	return n, err
}

func isTransientSendError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS)
}

// listenUDP binds the tracker socket. Only IPv4 is served.
func listenUDP(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
