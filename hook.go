package ledgertwin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
)

// Hook is the in-process event source. The canonical ledger calls Observe after
// each mutation has been durably committed, on the same goroutine that served
// the mutation.
//
// Observe folds the event into the local store and then broadcasts it, so
// that twins in other processes converge. Neither step can fail the caller: the
// ledger commit already happened and the mirror is best-effort relative to it.
type Hook struct {
	store *Store
	sink  Sink
	now   func() time.Time
}

// NewHook returns a Hook folding into store and broadcasting to sink. A nil sink
// disables broadcasting.
func NewHook(store *Store, sink Sink) *Hook {
	return &Hook{store: store, sink: sink, now: time.Now}
}

// Observe records a committed ledger fact. Events without an ID are assigned a
// fresh time-ordered UUID, and events without a timestamp are stamped with the
// current time, before they are folded or broadcast.
func (h *Hook) Observe(ctx context.Context, ev Event) {
	ev = h.complete(ev)
	logger := component.Logger(ctx).With(slog.String("event-id", ev.ID))

	if err := h.apply(ctx, ev); err != nil {
		logger.Error("Failed to fold committed event into the local twin", "error", err)
	}
	if h.sink == nil {
		return
	}
	// The store lock is released by now; a slow broker delays this caller only.
	if err := h.sink.Publish(ctx, ev); err != nil {
		publishFailures.Add(ctx, 1)
		logger.Warn("Failed to publish committed event", "error", err)
	}
}

func (h *Hook) complete(ev Event) Event {
	if ev.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			ev.ID = id.String()
		}
	}
	if !ev.HasTimestamp() {
		ev.Timestamp = h.now().UTC()
	}
	return ev
}

// apply folds ev, converting a panic into an error so that nothing the mirror
// does can unwind the ledger's call stack.
func (h *Hook) apply(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fold panicked: %v", r)
		}
	}()
	h.store.Apply(ctx, ev)
	return nil
}
