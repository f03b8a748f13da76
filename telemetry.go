package ledgertwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/ledgertwin")
var meter = otel.Meter("github.com/go-digitaltwin/ledgertwin")

// ---- store.go ----

const (
	// eventKind is the attribute key associating fold records with the kind of
	// the folded event.
	eventKind = "kind"
)

var (
	// eventsFolded counts events that changed the state of a store.
	//
	// Each record is associated with the eventKind.
	eventsFolded metric.Int64Counter
	// eventsUnrecognized counts events ignored for carrying an unknown kind.
	eventsUnrecognized metric.Int64Counter
	// eventsDiscarded counts events ignored for carrying no subject.
	eventsDiscarded metric.Int64Counter
	// eventsDuplicate counts events skipped for carrying a recently folded ID.
	eventsDuplicate metric.Int64Counter
)

// ---- wire.go ----

var (
	// amountsRejected counts amounts coerced to zero for exceeding the accepted
	// digits or exponent.
	amountsRejected metric.Int64Counter
)

// ---- replay.go ----

var (
	// replayDuration measures the duration of a complete replay of a log file.
	replayDuration metric.Float64Histogram
	// replaySkipped counts log lines that could not be decoded during replay.
	replaySkipped metric.Int64Counter
)

// ---- eventsource.go ----

var (
	// payloadsDropped counts subscription payloads that could not be decoded.
	payloadsDropped metric.Int64Counter
	// subscriberReconnects counts reconnections after a subscription failed.
	subscriberReconnects metric.Int64Counter
)

// ---- hook.go ----

var (
	// publishFailures counts events the hook folded locally but failed to
	// broadcast.
	publishFailures metric.Int64Counter
)

func init() {
	eventsFolded = mustCounter("events.folded", "The number of events folded into a twin store.")
	eventsUnrecognized = mustCounter("events.unrecognized", "The number of events ignored for carrying an unrecognized kind.")
	eventsDiscarded = mustCounter("events.discarded", "The number of events discarded for carrying no subject.")
	eventsDuplicate = mustCounter("events.duplicate", "The number of events skipped for carrying an already folded ID.")
	amountsRejected = mustCounter("events.amount.rejected", "The number of event amounts coerced to zero for being out of range.")
	replaySkipped = mustCounter("replay.lines.skipped", "The number of log lines skipped during replay because they failed to decode.")
	payloadsDropped = mustCounter("subscriber.payloads.dropped", "The number of subscription payloads dropped because they failed to decode.")
	subscriberReconnects = mustCounter("subscriber.reconnects", "The number of times a subscriber reconnected after losing its subscription.")
	publishFailures = mustCounter("hook.publish.failures", "The number of locally folded events that failed to publish.")

	var err error
	replayDuration, err = meter.Float64Histogram(
		"replay.duration",
		metric.WithDescription("The duration of a single replay of an event log into a twin store."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("ledgertwin: failed to init 'replay.duration' instrument")
	}
}

func mustCounter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		panic("ledgertwin: failed to init '" + name + "' instrument")
	}
	return c
}

// measureFold records the outcome of a single Store.Apply.
//
// According to [metric] documentation, [metric.WithAttributeSet] should be used
// instead of [metric.WithAttributes] for performance optimization.
func measureFold(ctx context.Context, kind Kind, outcome Outcome) {
	switch outcome {
	case Folded:
		attrs := attribute.NewSet(attribute.String(eventKind, string(kind)))
		eventsFolded.Add(ctx, 1, metric.WithAttributeSet(attrs))
	case Unrecognized:
		eventsUnrecognized.Add(ctx, 1)
	case Discarded:
		eventsDiscarded.Add(ctx, 1)
	case Duplicate:
		eventsDuplicate.Add(ctx, 1)
	}
}

// measureReplay records a completed replay. Failed replays record skipped lines
// but no duration.
func measureReplay(ctx context.Context, report ReplayReport, succeeded bool, d time.Duration) {
	if report.Skipped > 0 {
		replaySkipped.Add(ctx, int64(report.Skipped))
	}
	if succeeded {
		// We use floating-point division here for higher precision (instead of the
		// Millisecond method).
		replayDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	}
}

// RegisterStalenessGauge exposes the staleness of s (seconds since its last
// fold) as the observable gauge "twin.staleness". Unregister the returned
// registration once s is discarded.
func RegisterStalenessGauge(s *Store) (metric.Registration, error) {
	gauge, err := meter.Float64ObservableGauge(
		"twin.staleness",
		metric.WithDescription("The time elapsed since the twin store last folded an event."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if _, ok := s.LastFolded(); ok {
			o.ObserveFloat64(gauge, s.Staleness().Seconds())
		}
		return nil
	}, gauge)
}
