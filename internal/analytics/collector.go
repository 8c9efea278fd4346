package analytics

import (
	"context"
	"log/slog"

	"github.com/oriondb/oriondb/pkg/kafka"
)

// Collector buffers analytics events in-memory and publishes them to Kafka
// asynchronously, routing each event to the topic producer registered for
// its EventType. If the internal channel fills up, events are dropped with
// a warning log rather than blocking the caller.
type Collector struct {
	producers map[EventType]*kafka.Producer
	eventCh   chan trackedEvent
	logger    *slog.Logger
	done      chan struct{}
}

type trackedEvent struct {
	eventType EventType
	payload   any
}

// NewCollector creates a Collector that routes WriteEvent, QueryEvent, and
// TransactionEvent payloads to their respective topic producers. Any
// producer left nil drops events of that type with a warning rather than
// publishing them. If bufferSize <= 0 it defaults to 10 000.
func NewCollector(producers map[EventType]*kafka.Producer, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producers: producers,
		eventCh:   make(chan trackedEvent, bufferSize),
		logger:    slog.Default().With("component", "analytics-collector"),
		done:      make(chan struct{}),
	}
}

// Start begins the background goroutine that reads events from the channel
// and publishes them to Kafka. It stops when ctx is cancelled, draining any
// remaining events before returning.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

// Track enqueues an analytics event for asynchronous publishing. It is
// non-blocking: if the internal buffer is full the event is dropped with a
// warning log. The concrete type of event must be WriteEvent, QueryEvent, or
// TransactionEvent.
func (c *Collector) Track(event interface{}) {
	eventType, ok := typeOf(event)
	if !ok {
		c.logger.Warn("analytics event has unrecognized type, dropping")
		return
	}
	select {
	case c.eventCh <- trackedEvent{eventType: eventType, payload: event}:
	default:
		c.logger.Warn("analytics event dropped (buffer full)", "type", eventType)
	}
}

// Close shuts down the collector by closing the event channel and waiting
// for the background goroutine to finish draining.
func (c *Collector) Close() {
	close(c.eventCh)
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event trackedEvent) {
	producer := c.producers[event.eventType]
	if producer == nil {
		c.logger.Warn("no producer registered for event type, dropping", "type", event.eventType)
		return
	}
	if err := producer.Publish(ctx, kafka.Event{Key: string(event.eventType), Value: event.payload}); err != nil {
		c.logger.Error("failed to publish analytics event", "type", event.eventType, "error", err)
	}
}

// drainRemaining publishes any events left in the channel before shutdown.
func (c *Collector) drainRemaining() {
	ctx := context.Background()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(ctx, event)
		default:
			return
		}
	}
}

func typeOf(event interface{}) (EventType, bool) {
	switch event.(type) {
	case WriteEvent:
		return EventWrite, true
	case QueryEvent:
		return EventQuery, true
	case TransactionEvent:
		return EventTransaction, true
	default:
		return "", false
	}
}
