package analytics

import (
	"context"
	"testing"
	"time"
)

func TestTypeOfRecognizesEventStructs(t *testing.T) {
	cases := []struct {
		event interface{}
		want  EventType
	}{
		{WriteEvent{}, EventWrite},
		{QueryEvent{}, EventQuery},
		{TransactionEvent{}, EventTransaction},
	}
	for _, c := range cases {
		got, ok := typeOf(c.event)
		if !ok || got != c.want {
			t.Fatalf("typeOf(%T) = (%v, %v), want (%v, true)", c.event, got, ok, c.want)
		}
	}
	if _, ok := typeOf("not an event"); ok {
		t.Fatal("typeOf should reject unrecognized types")
	}
}

// TestCollectorDropsEventsWithoutBlockingOrPanicking exercises the full
// enqueue/publish/drain lifecycle with no producers registered, which is
// the shape every publish attempt takes without a live Kafka broker: the
// collector should log and move on rather than blocking Track or panicking.
func TestCollectorDropsEventsWithoutBlockingOrPanicking(t *testing.T) {
	c := NewCollector(nil, 4)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(WriteEvent{Type: EventWrite, Collection: "users"})
	c.Track(QueryEvent{Type: EventQuery, Collection: "users"})
	c.Track(TransactionEvent{Type: EventTransaction, TxID: "tx-1"})

	cancel()
	time.Sleep(10 * time.Millisecond)
	c.Close()
}

func TestCollectorTrackDropsUnrecognizedEventWithoutBlocking(t *testing.T) {
	c := NewCollector(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.Track("not an event")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Track blocked on an unrecognized event type")
	}
}
