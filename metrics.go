package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "pico_swarm"

// metricsSink counts handler events in Prometheus collectors.
// Labels are limited to action names and failure kinds so cardinality stays fixed.
type metricsSink struct {
	received   prometheus.Counter
	bytesIn    prometheus.Counter
	classified *prometheus.CounterVec
	sent       *prometheus.CounterVec
	bytesOut   prometheus.Counter
	failed     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

func newMetricsSink(reg prometheus.Registerer) *metricsSink {
	m := &metricsSink{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the tracker socket.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from the tracker socket.",
		}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Decoded requests by action.",
		}, []string{"action"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "Responses sent by action.",
		}, []string{"action"}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to the tracker socket.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_failures_total",
			Help:      "Requests answered with an error or not answered, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped without a response, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.received, m.bytesIn, m.classified, m.sent, m.bytesOut, m.failed, m.dropped)
	return m
}

func (m *metricsSink) DatagramReceived(_ netip.AddrPort, size int) {
	m.received.Inc()
	m.bytesIn.Add(float64(size))
}

func (m *metricsSink) ActionClassified(_ netip.AddrPort, action Action) {
	m.classified.WithLabelValues(action.String()).Inc()
}

func (m *metricsSink) ResponseSent(_ netip.AddrPort, action Action, size int) {
	m.sent.WithLabelValues(action.String()).Inc()
	m.bytesOut.Add(float64(size))
}

func (m *metricsSink) RequestFailed(_ netip.AddrPort, kind, _ string) {
	m.failed.WithLabelValues(kind).Inc()
}

func (m *metricsSink) DatagramDropped(_ netip.AddrPort, kind string) {
	m.dropped.WithLabelValues(kind).Inc()
}

// registerStateGauges exposes registry and store sizes, sampled at scrape time.
func registerStateGauges(reg prometheus.Registerer, tr *Tracker, inFlight func() float64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_ids",
			Help:      "Connection ids currently issued and not yet expired or swept.",
		}, func() float64 { return float64(tr.conns.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "torrents",
			Help:      "Swarms currently tracked.",
		}, func() float64 {
			torrents, _ := tr.store.Stats()
			return float64(torrents)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Peers currently tracked across all swarms.",
		}, func() float64 {
			_, peers := tr.store.Stats()
			return float64(peers)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "handlers_in_flight",
			Help:      "Datagram handlers currently running.",
		}, inFlight),
	)
}

// scrapeFile is one entry of the stats snapshot, shaped like a BEP 48 scrape file.
type scrapeFile struct {
	Complete   int64 `bencode:"complete"`
	Downloaded int64 `bencode:"downloaded"`
	Incomplete int64 `bencode:"incomplete"`
}

// statsHandler serves a bencoded snapshot of every swarm, keyed by raw info_hash.
func statsHandler(tr *Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshot := tr.store.Snapshot(tr.clock.Now())
		files := make(map[string]scrapeFile, len(snapshot))
		for hash, s := range snapshot {
			files[string(hash[:])] = scrapeFile{
				Complete:   int64(s.Seeders),
				Downloaded: int64(s.Completed),
				Incomplete: int64(s.Leechers),
			}
		}

		w.Header().Set("Content-Type", "text/plain")
		if err := bencode.Marshal(w, map[string]any{"files": files}); err != nil {
			tr.log.Warn("failed to write stats snapshot", zap.Error(err))
		}
	})
}

// metricsServer serves /metrics and /stats until shutdown.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
}

func newMetricsServer(addr string, reg *prometheus.Registry, tr *Tracker) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/stats", statsHandler(tr))
	return &metricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

func (m *metricsServer) Addr() net.Addr { return m.ln.Addr() }

func (m *metricsServer) serve(log *zap.Logger) {
	if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
