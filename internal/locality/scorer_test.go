package locality

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/oriondb/oriondb/pkg/errors"
)

func TestGetOptimalNodeSingleCandidate(t *testing.T) {
	s := New()
	got, err := s.GetOptimalNode("client1", []string{"node-only"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "node-only" {
		t.Fatalf("got %s, want node-only", got)
	}
}

func TestGetOptimalNodeEmptyCandidatesFails(t *testing.T) {
	s := New()
	if _, err := s.GetOptimalNode("client1", nil); !stderrors.Is(err, errors.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestGetOptimalNodeUntrackedCandidatesReturnsFirst(t *testing.T) {
	s := New()
	got, err := s.GetOptimalNode("client1", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a" {
		t.Fatalf("got %s, want a", got)
	}
}

func TestGetOptimalNodePrefersSameLocation(t *testing.T) {
	s := New()
	s.RegisterNode("near", "us-east")
	s.RegisterNode("far", "eu-west")
	s.UpdateMetrics("near", Metrics{LatencyMs: 50, LoadFactor: 0.9, Availability: 0.9})
	s.UpdateMetrics("far", Metrics{LatencyMs: 5, LoadFactor: 0.1, Availability: 1.0})
	s.RegisterClient("client1", "us-east")

	got, err := s.GetOptimalNode("client1", []string{"near", "far"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "near" {
		t.Fatalf("got %s, want near (same location beats lower score)", got)
	}
}

func TestGetOptimalNodePicksLowestScoreOverall(t *testing.T) {
	s := New()
	s.RegisterNode("a", "us-east")
	s.RegisterNode("b", "us-east")
	s.UpdateMetrics("a", Metrics{LatencyMs: 200, LoadFactor: 0.9, Availability: 0.5})
	s.UpdateMetrics("b", Metrics{LatencyMs: 10, LoadFactor: 0.1, Availability: 1.0})

	got, err := s.GetOptimalNode("unknown-client", []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "b" {
		t.Fatalf("got %s, want b (lower score)", got)
	}
}

func TestUpdateMetricsUnknownNodeIgnored(t *testing.T) {
	s := New()
	s.UpdateMetrics("ghost", Metrics{LatencyMs: 1})
	// Should not panic and should not create the node.
	if _, err := s.GetOptimalNode("c", []string{"ghost", "other"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStaleMetricsResetToDefaults(t *testing.T) {
	s := New()
	s.RegisterNode("a", "us-east")
	entry := s.nodes["a"]
	entry.metrics = Metrics{LatencyMs: 1, LoadFactor: 0.01, Availability: 1, UpdatedAt: time.Now().Add(-10 * time.Minute)}

	live := s.liveMetrics(entry)
	want := defaultMetrics()
	if live != want {
		t.Fatalf("got %+v, want defaults %+v", live, want)
	}
}

func TestLocationDistance(t *testing.T) {
	if d := LocationDistance("us-east", "us-east"); d != 0 {
		t.Errorf("same location distance = %v, want 0", d)
	}
	if d := LocationDistance("us-east", "us-west"); d != 60 {
		t.Errorf("us-east/us-west distance = %v, want 60", d)
	}
	if d := LocationDistance("us-east", "mars"); d != unknownPairLatency {
		t.Errorf("unknown pair distance = %v, want %v", d, unknownPairLatency)
	}
}
