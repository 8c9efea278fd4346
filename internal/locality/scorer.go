// Package locality tracks per-node location and performance metrics and
// ranks candidate nodes for a given client, biasing routing decisions
// toward low-latency, lightly-loaded, highly-available nodes in the
// client's own location when possible.
package locality

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oriondb/oriondb/pkg/errors"
)

const (
	staleAfter        = 5 * time.Minute
	clientTTL         = 24 * time.Hour
	unknownPairLatency = 300.0
)

// Metrics holds a node's current performance readings.
type Metrics struct {
	LatencyMs    float64
	LoadFactor   float64
	Availability float64
	UpdatedAt    time.Time
}

func defaultMetrics() Metrics {
	return Metrics{LatencyMs: 100, LoadFactor: 0.5, Availability: 1.0}
}

// score computes the weighted node score; lower is better.
func (m Metrics) score() float64 {
	return 0.6*m.LatencyMs + 30*m.LoadFactor + 100*(1-m.Availability)
}

type nodeEntry struct {
	location string
	metrics  Metrics
}

type clientEntry struct {
	location string
	lastSeen time.Time
}

// latencyMatrix is a static per-pair location latency table in
// milliseconds; same-location pairs are always 0, unknown pairs fall back
// to unknownPairLatency.
var latencyMatrix = map[[2]string]float64{
	{"us-east", "us-west"}: 60,
	{"us-west", "us-east"}: 60,
	{"us-east", "eu-west"}: 90,
	{"eu-west", "us-east"}: 90,
	{"us-west", "eu-west"}: 140,
	{"eu-west", "us-west"}: 140,
	{"us-east", "ap-south"}: 220,
	{"ap-south", "us-east"}: 220,
	{"eu-west", "ap-south"}: 110,
	{"ap-south", "eu-west"}: 110,
	{"us-west", "ap-south"}: 160,
	{"ap-south", "us-west"}: 160,
}

// Scorer tracks node and client location/performance state.
type Scorer struct {
	mu      sync.RWMutex
	nodes   map[string]*nodeEntry
	clients map[string]*clientEntry
	logger  *slog.Logger
}

// New creates an empty Scorer.
func New() *Scorer {
	return &Scorer{
		nodes:   make(map[string]*nodeEntry),
		clients: make(map[string]*clientEntry),
		logger:  slog.Default().With("component", "locality"),
	}
}

// RegisterNode starts tracking nodeID at location with default metrics.
func (s *Scorer) RegisterNode(nodeID, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = &nodeEntry{location: location, metrics: defaultMetrics()}
}

// RemoveNode stops tracking nodeID.
func (s *Scorer) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
}

// UpdateMetrics records fresh metrics for nodeID. Updates for an unknown
// node are ignored and logged, not an error.
func (s *Scorer) UpdateMetrics(nodeID string, m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.nodes[nodeID]
	if !ok {
		s.logger.Warn("metrics update for unknown node ignored", "node_id", nodeID)
		return
	}
	m.UpdatedAt = time.Now()
	entry.metrics = m
}

// RegisterClient records clientID's location and refreshes lastSeen. It
// lazily expires client entries older than 24h.
func (s *Scorer) RegisterClient(clientID, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireClientsLocked()
	s.clients[clientID] = &clientEntry{location: location, lastSeen: time.Now()}
}

func (s *Scorer) expireClientsLocked() {
	cutoff := time.Now().Add(-clientTTL)
	for id, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			delete(s.clients, id)
		}
	}
}

// GetOptimalNode picks the best candidate for clientID among candidates.
// If exactly one candidate is given, it is returned unconditionally. If
// none of candidates are currently tracked, candidates[0] is returned.
// When the client has a known location, the lowest-scoring candidate in
// that same location wins; if no candidate shares it, the lowest score plus
// LocationDistance from the client's location wins. For a client with no
// known location the lowest-scoring candidate overall wins. Ties, including
// missing metrics everywhere, go to the earliest candidate.
func (s *Scorer) GetOptimalNode(clientID string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", errors.ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tracked := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := s.nodes[c]; ok {
			tracked = append(tracked, c)
		}
	}
	if len(tracked) == 0 {
		return candidates[0], nil
	}

	var clientLoc string
	if c, ok := s.clients[clientID]; ok {
		clientLoc = c.location
	}

	if clientLoc != "" {
		if best, ok := s.bestInLocation(tracked, clientLoc); ok {
			return best, nil
		}
		return s.bestByDistanceAdjustedScore(tracked, clientLoc), nil
	}

	return s.bestOverall(tracked), nil
}

func (s *Scorer) bestInLocation(candidates []string, location string) (string, bool) {
	best := ""
	bestScore := 0.0
	found := false
	for _, id := range candidates {
		entry := s.nodes[id]
		if entry.location != location {
			continue
		}
		sc := s.liveMetrics(entry).score()
		if !found || sc < bestScore {
			best, bestScore, found = id, sc, true
		}
	}
	return best, found
}

func (s *Scorer) bestOverall(candidates []string) string {
	best := candidates[0]
	bestScore := s.liveMetrics(s.nodes[best]).score()
	for _, id := range candidates[1:] {
		sc := s.liveMetrics(s.nodes[id]).score()
		if sc < bestScore {
			best, bestScore = id, sc
		}
	}
	return best
}

// bestByDistanceAdjustedScore ranks candidates outside the client's own
// location by their node score plus the static inter-location latency
// estimate, so a nearby region still outranks a far one with an otherwise
// similar score.
func (s *Scorer) bestByDistanceAdjustedScore(candidates []string, clientLoc string) string {
	best := candidates[0]
	bestScore := s.liveMetrics(s.nodes[best]).score() + LocationDistance(clientLoc, s.nodes[best].location)
	for _, id := range candidates[1:] {
		sc := s.liveMetrics(s.nodes[id]).score() + LocationDistance(clientLoc, s.nodes[id].location)
		if sc < bestScore {
			best, bestScore = id, sc
		}
	}
	return best
}

// liveMetrics returns entry's metrics, or the stale-reset defaults if the
// metrics haven't been refreshed within staleAfter.
func (s *Scorer) liveMetrics(entry *nodeEntry) Metrics {
	if entry.metrics.UpdatedAt.IsZero() || time.Since(entry.metrics.UpdatedAt) > staleAfter {
		return defaultMetrics()
	}
	return entry.metrics
}

// LocationDistance returns the static latency estimate in milliseconds
// between two locations: 0 for the same location, the matrix value for a
// known pair, or the unknown-pair sentinel otherwise.
func LocationDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	if v, ok := latencyMatrix[[2]string{a, b}]; ok {
		return v
	}
	return unknownPairLatency
}
