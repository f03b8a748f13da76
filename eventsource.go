package ledgertwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// A Delivery is one message received from a pub/sub transport.
type Delivery struct {
	// Topic is the channel the message was published on, when the transport
	// reports it.
	Topic string
	Body  []byte
	// LoggableID identifies the message in logs; it may be empty.
	LoggableID string
	ack        func()
}

// NewDelivery returns a Delivery acknowledged by calling ack, which may be nil
// for transports without acknowledgement.
func NewDelivery(topic string, body []byte, ack func()) *Delivery {
	return &Delivery{Topic: topic, Body: body, ack: ack}
}

// Ack acknowledges the delivery to the transport.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// A Receiver is a live subscription to a pub/sub transport.
//
// Receive blocks until a message arrives, ctx is done, or the subscription
// fails. Once Receive returns a non-context error the subscription is
// considered broken and is shut down.
type Receiver interface {
	Receive(ctx context.Context) (*Delivery, error)
	Shutdown(ctx context.Context) error
}

// A Dialer establishes a new subscription. The context bounds the dial only; the
// returned Receiver must outlive it.
type Dialer func(ctx context.Context) (Receiver, error)

// SubscriptionReceiver adapts a gocloud.dev pubsub subscription. The topic of
// each delivery is read from the "topic" metadata key set by TopicSink.
func SubscriptionReceiver(sub *pubsub.Subscription) Receiver {
	return subscriptionReceiver{sub: sub}
}

type subscriptionReceiver struct {
	sub *pubsub.Subscription
}

func (r subscriptionReceiver) Receive(ctx context.Context) (*Delivery, error) {
	msg, err := r.sub.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		Topic:      msg.Metadata[metadataTopic],
		Body:       msg.Body,
		LoggableID: msg.LoggableID,
		ack:        msg.Ack,
	}, nil
}

func (r subscriptionReceiver) Shutdown(ctx context.Context) error {
	return r.sub.Shutdown(ctx)
}

// OpenSubscription returns a Dialer opening the gocloud.dev pubsub subscription
// at url (e.g. "mem://events", "kafka://group?topic=events").
func OpenSubscription(url string) Dialer {
	return func(ctx context.Context) (Receiver, error) {
		sub, err := pubsub.OpenSubscription(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("open subscription: %w", err)
		}
		return SubscriptionReceiver(sub), nil
	}
}

// EventHandler processes a decoded event. Errors are logged by the Subscriber
// and never stop it.
type EventHandler func(ctx context.Context, ev Event) error

// FoldInto returns an EventHandler applying every event to s.
func FoldInto(s *Store) EventHandler {
	return func(ctx context.Context, ev Event) error {
		s.Apply(ctx, ev)
		return nil
	}
}

// Default bounds of the Subscriber's reconnection backoff.
const (
	DefaultMinBackoff     = time.Second
	DefaultMaxBackoff     = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Subscriber is the pub/sub event source. It keeps a subscription alive across
// transport failures, reconnecting with bounded exponential backoff, and hands
// every decodable payload to its Handler.
//
// Deliveries are acknowledged before they are decoded, so a malformed payload
// is dropped once instead of being redelivered forever. The transport may still
// redeliver a message or reorder messages; the Handler must tolerate both.
type Subscriber struct {
	Dial Dialer
	// Pattern filters deliveries by topic (see MatchTopic). Deliveries without a
	// topic are always accepted.
	Pattern string
	Handler EventHandler

	MinBackoff     time.Duration // defaults to DefaultMinBackoff
	MaxBackoff     time.Duration // defaults to DefaultMaxBackoff
	ConnectTimeout time.Duration // defaults to DefaultConnectTimeout

	dropped    atomic.Int64
	reconnects atomic.Int64
}

// Dropped is the number of payloads dropped because they failed to decode.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Reconnects is the number of times an established subscription was lost and
// dialed again.
func (s *Subscriber) Reconnects() int64 { return s.reconnects.Load() }

// Proc returns a component.Proc running the Subscriber until its component is
// stopped.
func (s *Subscriber) Proc() component.Proc {
	return func(l *component.L) {
		if err := s.Run(l.Context()); err != nil {
			l.Fatal(err)
		}
	}
}

// Run consumes the subscription until ctx is done, then returns nil. A fold in
// progress when ctx is done completes before Run returns.
//
// After losing a subscription Run waits before dialing again. The wait grows
// while subscriptions keep failing before their first delivery.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.Dial == nil || s.Handler == nil {
		return errors.New("subscriber: Dial and Handler are required")
	}
	logger := component.Logger(ctx).With(slog.String("pattern", s.Pattern))
	ctx = component.InjectLogger(ctx, logger) // Inject for further logs down the call-stack.

	// dialing restarts from MinBackoff on every connect, so lost keeps the pace
	// of reconnections across subscriptions that fail right after connecting.
	dialing, lost := s.newBackOff(), s.newBackOff()
	for {
		r, err := s.connect(ctx, dialing)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect: %w", err)
		}
		logger.Info("Subscription established")

		delivered, err := s.consume(ctx, r)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down subscription", "error", err)
		}
		cancel()
		if ctx.Err() != nil {
			logger.Info("Subscription closed")
			return nil
		}

		s.reconnects.Add(1)
		subscriberReconnects.Add(ctx, 1)
		// A subscription that delivered anything was healthy; start over.
		if delivered > 0 {
			lost.Reset()
		}
		next := lost.NextBackOff()
		logger.Error("Lost subscription, reconnecting", "error", err, "retry-in", next)
		if !sleep(ctx, next) {
			logger.Info("Subscription closed")
			return nil
		}
	}
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(orDefault(s.MinBackoff, DefaultMinBackoff)),
		backoff.WithMaxInterval(orDefault(s.MaxBackoff, DefaultMaxBackoff)),
		backoff.WithMaxElapsedTime(0), // never give up
	)
}

// sleep waits for d, and reports false if ctx was done first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials until it succeeds or ctx is done. Each attempt is bounded by
// the connect timeout.
func (s *Subscriber) connect(ctx context.Context, b backoff.BackOff) (Receiver, error) {
	logger := component.Logger(ctx)
	timeout := orDefault(s.ConnectTimeout, DefaultConnectTimeout)
	dial := func() (Receiver, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := s.Dial(dialCtx)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return r, err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Failed to connect subscription", "error", err, "retry-in", next)
	}
	return backoff.RetryNotifyWithData(dial, backoff.WithContext(b, ctx), notify)
}

// consume receives until the subscription fails or ctx is done, and returns
// how many deliveries it received and the reason it stopped.
func (s *Subscriber) consume(ctx context.Context, r Receiver) (int, error) {
	var delivered int
	for {
		d, err := r.Receive(ctx)
		if err != nil {
			return delivered, fmt.Errorf("receive: %w", err)
		}
		delivered++
		// always ack, even if we fail to decode.
		// otherwise, we might get stuck processing
		// the same failed message
		d.Ack()
		s.handle(ctx, d)
	}
}

func (s *Subscriber) handle(ctx context.Context, d *Delivery) {
	ctx, span := tracer.Start(ctx, "Subscriber.handle", trace.WithAttributes(
		attribute.String("msg.id", d.LoggableID),
		attribute.String("msg.topic", d.Topic),
	))
	defer span.End()
	logger := component.Logger(ctx)

	if s.Pattern != "" && d.Topic != "" && !MatchTopic(s.Pattern, d.Topic) {
		logger.Debug("Ignored message outside of subscription pattern", "topic", d.Topic)
		return
	}

	ev, err := ParseEvent(d.Body)
	if err != nil {
		s.dropped.Add(1)
		payloadsDropped.Add(ctx, 1)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Dropped malformed payload", "error", err, "topic", d.Topic)
		return
	}
	if err := s.Handler(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Failed to handle event", "error", err, "event-id", ev.ID)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
