// Package events defines the engine's fire-and-forget status-transition
// feed. It is an in-process emission contract only: no transport is built
// here, that is left to whatever external subscriber the embedding
// application wires up.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/runloom/taskengine/metrics"
)

// Severity classifies an Event for a subscriber that wants to filter or
// route on it.
type Severity string

const (
	SeverityInformation Severity = "Information"
	SeverityWarning     Severity = "Warning"
	SeverityError       Severity = "Error"
)

// Event is emitted on every status transition and retry.
type Event struct {
	TaskId          string    `json:"task_id"`
	EventDateUtc    time.Time `json:"event_date_utc"`
	Severity        Severity  `json:"severity"`
	TaskType        string    `json:"task_type"`
	TaskHandlerType string    `json:"task_handler_type"`
	TaskParameters  []byte    `json:"task_parameters,omitempty"`
	Message         string    `json:"message"`
	Exception       string    `json:"exception,omitempty"`
}

// Publisher is a process-local sink for Events. Failures must never affect
// task execution; callers are expected to invoke Publish in its own
// goroutine with a bounded timeout context.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// LogPublisher is the reference Publisher: it writes each event as a JSON
// line through the standard logger.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Printf("[events] %s", string(body))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// NoopPublisher discards every event. Useful in tests where the event feed
// is not under test.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }

// Emit publishes event in its own goroutine with a bounded timeout, so a
// slow or wedged subscriber can never stall task execution. Publish errors
// are logged and swallowed.
func Emit(publisher Publisher, event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Publish(ctx, event); err != nil {
			metrics.EventPublishFailures.WithLabelValues(string(event.Severity)).Inc()
			log.Printf("[events] publish failed for task %s: %v", event.TaskId, err)
		}
	}()
}
