package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestEmitDeliversAsynchronously(t *testing.T) {
	pub := &recordingPublisher{}
	Emit(pub, Event{TaskId: "t1", Severity: SeverityInformation, Message: "queued"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pub.mu.Lock()
		n := len(pub.events)
		pub.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("event was not delivered")
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, event Event) error { return errors.New("boom") }
func (failingPublisher) Close() error                                  { return nil }

func TestEmitSwallowsPublisherErrors(t *testing.T) {
	// Emit must not panic or block the caller even when the publisher
	// always fails.
	Emit(failingPublisher{}, Event{TaskId: "t1"})
	time.Sleep(10 * time.Millisecond)
}

func TestNoopPublisherDiscardsEvents(t *testing.T) {
	var p NoopPublisher
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
