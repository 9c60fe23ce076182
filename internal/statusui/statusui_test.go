package statusui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rootstream/internal/discovery"
	"rootstream/internal/latency"
	"rootstream/internal/registry"
)

func testSources(t *testing.T) Sources {
	t.Helper()
	reg := registry.New(registry.DefaultCapacity)
	cache := discovery.NewCache()
	if err := cache.Add(discovery.CacheEntry{Hostname: "other-box", IPAddress: "192.168.1.20", Port: 9876}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	return Sources{
		Registry: reg,
		Cache:    cache,
		Latency:  latency.New(latency.DefaultCapacity, 1000, true),
		Role:     "host",
		PeerCode: "AAAA@test",
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := testSources(t)
	s := New("127.0.0.1:0", src)
	ts := httptest.NewServer(s.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var view StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.Role != "host" {
		t.Fatalf("role = %q, want host", view.Role)
	}
	if view.Capacity != registry.DefaultCapacity {
		t.Fatalf("capacity = %d, want %d", view.Capacity, registry.DefaultCapacity)
	}
	if view.PeerCount != 0 {
		t.Fatalf("peer count = %d, want 0", view.PeerCount)
	}
}

func TestDiscoveryEndpointListsCache(t *testing.T) {
	src := testSources(t)
	s := New("127.0.0.1:0", src)
	ts := httptest.NewServer(s.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/discovery")
	if err != nil {
		t.Fatalf("get discovery: %v", err)
	}
	defer resp.Body.Close()

	var entries []discovery.CacheEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if len(entries) != 1 || entries[0].Hostname != "other-box" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	src := testSources(t)
	s := New("127.0.0.1:0", src)
	ts := httptest.NewServer(s.http.Handler)
	defer ts.Close()

	s.ObserveReport(&latency.Report{
		Total: latency.Percentiles{P50: 100, P95: 200, P99: 300},
	})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
