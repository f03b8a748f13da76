package ledgertwin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// A Sink broadcasts events to other processes. Publish may block on the
// network; it is never called while a Store is locked.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher fans every event out to a set of sinks concurrently.
type Publisher struct {
	sinks []Sink
}

// NewPublisher returns a Publisher broadcasting to the given sinks.
func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks}
}

// Publish hands ev to every sink and waits for all of them. It returns an error
// if even a single sink failed; the other sinks are not rolled back.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "Publisher.Publish", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", string(ev.Kind)),
	))
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.sinks {
		g.Go(func() error {
			return s.Publish(ctx, ev)
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// TopicSink publishes events to a gocloud.dev pubsub topic as canonical JSON.
//
// Brokers without per-subject channels (SNS, Kafka, in-memory) receive the
// channel name of the event's subject (see TopicFor) in the "topic" metadata
// key, alongside the subject itself in "subject", which keyed brokers can use
// to partition events of one subject together.
type TopicSink struct {
	Topic     *pubsub.Topic
	Namespace string
}

func (s TopicSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			metadataTopic:   TopicFor(s.namespace(), ev.Subject),
			metadataSubject: ev.Subject,
		},
	}
	component.Logger(ctx).Debug("Sending event message...", slog.String("event-id", ev.ID))
	if err := s.Topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s TopicSink) namespace() string {
	if s.Namespace == "" {
		return DefaultNamespace
	}
	return s.Namespace
}

const (
	metadataTopic   = "topic"
	metadataSubject = "subject"
)
