// Package statusui exposes a minimal read-only HTTP status surface:
// peer states and discovery cache contents as JSON, plus a Prometheus
// /metrics endpoint that also carries latency percentiles. This is not the web
// dashboard (role/password/peer-CRUD logic belongs to a separate
// collaborator); it serves ambient observability only and mutates
// nothing.
package statusui

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rootstream/internal/discovery"
	"rootstream/internal/latency"
	"rootstream/internal/registry"
)

// Sources is everything statusui reads to build its status views. All
// fields are read-only from this package's perspective.
type Sources struct {
	Registry  *registry.Registry
	Cache     *discovery.Cache
	Latency   *latency.Stats
	Role      string // "host" or "client"
	PeerCode  string
}

// Server is the read-only status HTTP server.
type Server struct {
	http *http.Server

	peersGauge    *prometheus.GaugeVec
	latencyGauge  *prometheus.GaugeVec
	cacheGauge    prometheus.Gauge
}

// PeerView is one peer's JSON status representation.
type PeerView struct {
	Hostname   string `json:"hostname"`
	State      string `json:"state"`
	Addr       string `json:"addr,omitempty"`
	LastSeenMS int64  `json:"last_seen_ms"`
	Streaming  bool   `json:"streaming"`
}

// StatusView is the top-level /api/status JSON body.
type StatusView struct {
	Role       string     `json:"role"`
	PeerCode   string     `json:"peer_code"`
	PeerCount  int        `json:"peer_count"`
	Capacity   int        `json:"capacity"`
	Peers      []PeerView `json:"peers"`
}

// New builds a status server backed by src, registering Prometheus
// collectors under the "rootstream" namespace.
func New(addr string, src Sources) *Server {
	reg := prometheus.NewRegistry()
	s := &Server{
		peersGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rootstream",
			Name:      "peers",
			Help:      "Peer count by lifecycle state.",
		}, []string{"state"}),
		latencyGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rootstream",
			Subsystem: "latency_us",
			Name:      "percentile",
			Help:      "Per-stage latency percentiles in microseconds.",
		}, []string{"stage", "percentile"}),
		cacheGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "rootstream",
			Subsystem: "discovery",
			Name:      "cache_entries",
			Help:      "Current discovery cache size.",
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus(src))
	mux.HandleFunc("/api/peers", s.handlePeers(src))
	mux.HandleFunc("/api/discovery", s.handleDiscovery(src))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: mux}
	s.refresh(src)
	return s
}

// refresh updates the Prometheus gauges from the current source state.
// Called once at construction and may be called again by a poller;
// statusui does not run its own ticker so as not to impose a second
// goroutine on the host/client loop's single-threaded model.
func (s *Server) refresh(src Sources) {
	counts := map[registry.State]int{}
	if src.Registry != nil {
		for _, p := range src.Registry.List() {
			counts[p.State()]++
		}
	}
	for _, st := range []registry.State{
		registry.Discovered, registry.Connecting, registry.Authenticating,
		registry.Connected, registry.Streaming, registry.Failed, registry.Disconnected,
	} {
		s.peersGauge.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	if src.Cache != nil {
		s.cacheGauge.Set(float64(len(src.Cache.All())))
	}
}

// Refresh re-samples the peer and cache gauges from src. The host and
// client loops do not call it, so those gauges keep the values sampled
// by New until Refresh is called.
func (s *Server) Refresh(src Sources) {
	s.refresh(src)
}

// ObserveReport records a latency.Report's percentiles into the gauges.
func (s *Server) ObserveReport(r *latency.Report) {
	if r == nil {
		return
	}
	set := func(stage string, p latency.Percentiles) {
		s.latencyGauge.WithLabelValues(stage, "p50").Set(float64(p.P50))
		s.latencyGauge.WithLabelValues(stage, "p95").Set(float64(p.P95))
		s.latencyGauge.WithLabelValues(stage, "p99").Set(float64(p.P99))
	}
	set("capture", r.Capture)
	set("encode", r.Encode)
	set("send", r.Send)
	set("total", r.Total)
}

func (s *Server) handleStatus(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := StatusView{
			Role:     src.Role,
			PeerCode: src.PeerCode,
		}
		if src.Registry != nil {
			view.Capacity = src.Registry.Capacity()
			for _, p := range src.Registry.List() {
				addr := ""
				if p.Addr != nil {
					addr = p.Addr.String()
				}
				view.Peers = append(view.Peers, PeerView{
					Hostname:   p.Hostname,
					State:      p.State().String(),
					Addr:       addr,
					LastSeenMS: p.LastSeenMS,
					Streaming:  p.IsStreaming(),
				})
			}
			view.PeerCount = len(view.Peers)
		}
		writeJSON(w, view)
	}
}

func (s *Server) handlePeers(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var peers []PeerView
		if src.Registry != nil {
			for _, p := range src.Registry.List() {
				addr := ""
				if p.Addr != nil {
					addr = p.Addr.String()
				}
				peers = append(peers, PeerView{
					Hostname:   p.Hostname,
					State:      p.State().String(),
					Addr:       addr,
					LastSeenMS: p.LastSeenMS,
					Streaming:  p.IsStreaming(),
				})
			}
		}
		writeJSON(w, peers)
	}
}

func (s *Server) handleDiscovery(src Sources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entries []discovery.CacheEntry
		if src.Cache != nil {
			entries = src.Cache.All()
		}
		writeJSON(w, entries)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the HTTP server, blocking until it exits.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.http.Close()
}
