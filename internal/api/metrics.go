package api

import (
	"sort"
	"sync"
)

// metricsWindow bounds how many recent samples each route keeps for its
// percentile estimates.
const metricsWindow = 256

// routeSamples is one route's rolling latency window plus request/error
// counters.
type routeSamples struct {
	latencies []int64
	next      int
	full      bool
	requests  int64
	errors    int64
}

// routeMetrics aggregates per-route p50/p95 latency and error rate for
// /api/stats.
type routeMetrics struct {
	mu     sync.Mutex
	routes map[string]*routeSamples
}

func newRouteMetrics() *routeMetrics {
	return &routeMetrics{routes: make(map[string]*routeSamples)}
}

func (m *routeMetrics) record(route string, latencyMs int64, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.routes[route]
	if !ok {
		rs = &routeSamples{latencies: make([]int64, metricsWindow)}
		m.routes[route] = rs
	}
	rs.latencies[rs.next] = latencyMs
	rs.next = (rs.next + 1) % metricsWindow
	if rs.next == 0 {
		rs.full = true
	}
	rs.requests++
	if isError {
		rs.errors++
	}
}

// RouteStats is one route's aggregate view.
type RouteStats struct {
	Requests  int64   `json:"requests"`
	ErrorRate float64 `json:"errorRate"`
	P50Ms     int64   `json:"p50Ms"`
	P95Ms     int64   `json:"p95Ms"`
}

// snapshot computes the current per-route aggregates.
func (m *routeMetrics) snapshot() map[string]RouteStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]RouteStats, len(m.routes))
	for route, rs := range m.routes {
		n := rs.next
		if rs.full {
			n = metricsWindow
		}
		window := make([]int64, n)
		copy(window, rs.latencies[:n])
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

		st := RouteStats{Requests: rs.requests}
		if rs.requests > 0 {
			st.ErrorRate = float64(rs.errors) / float64(rs.requests)
		}
		if n > 0 {
			st.P50Ms = window[n/2]
			st.P95Ms = window[(n*95)/100]
		}
		out[route] = st
	}
	return out
}
