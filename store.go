package ledgertwin

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/shopspring/decimal"
)

// Default retention bounds of a Store.
const (
	DefaultShadowWindow   = 50
	DefaultSampleCapacity = 1024
	DefaultDedupCapacity  = 4096
)

// An Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	shadowWindow   int
	sampleCapacity int
	dedupCapacity  int
	now            func() time.Time
	seed1, seed2   uint64
}

// WithShadowWindow bounds the trailing window of raw events kept per subject.
func WithShadowWindow(n int) Option {
	return func(c *storeConfig) { c.shadowWindow = n }
}

// WithSampleCapacity bounds each per-subject sample reservoir (deposit, sent
// and received amounts, login times).
func WithSampleCapacity(n int) Option {
	return func(c *storeConfig) { c.sampleCapacity = n }
}

// WithDedupCapacity bounds the set of recently folded event IDs. Zero disables
// deduplication altogether.
func WithDedupCapacity(n int) Option {
	return func(c *storeConfig) { c.dedupCapacity = n }
}

// WithClock replaces the wall clock used to stamp the time of the last fold.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}

// WithSeed seeds the random source used by the sample reservoirs. Stores with
// equal seeds retain equal samples when fed equal event sequences.
func WithSeed(seed1, seed2 uint64) Option {
	return func(c *storeConfig) { c.seed1, c.seed2 = seed1, seed2 }
}

// Store is the Twin Store: an in-memory mirror of per-subject aggregates that
// is fed exclusively by events. It is never the system of record and offers no
// operation that could authorize or reject a ledger mutation.
//
// Every Apply is serialised under one store-wide lock, so a transfer that
// touches two subjects is observed by readers either entirely or not at all.
// Queries share the lock for reading and may run concurrently with each other.
//
// Store is safe for concurrent use. Construct it with NewStore.
type Store struct {
	mu    sync.RWMutex
	state *twinState
	now   func() time.Time
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	c := storeConfig{
		shadowWindow:   DefaultShadowWindow,
		sampleCapacity: DefaultSampleCapacity,
		dedupCapacity:  DefaultDedupCapacity,
		now:            time.Now,
		seed1:          0x6c6564676572,
		seed2:          0x7477696e,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &Store{
		state: newTwinState(c),
		now:   c.now,
	}
}

// Apply folds ev into the store and reports what became of it. Apply never
// fails: malformed events are counted and otherwise ignored.
//
// No I/O happens while the store is locked; telemetry is recorded after the
// fold completes.
func (s *Store) Apply(ctx context.Context, ev Event) Outcome {
	outcome := s.fold(ev)
	measureFold(ctx, ev.Kind, outcome)
	switch outcome {
	case Unrecognized:
		component.Logger(ctx).Debug("Ignored event of unrecognized kind", "kind", string(ev.Kind), "subject", ev.Subject)
	case Discarded:
		component.Logger(ctx).Debug("Discarded event without subject", "kind", string(ev.Kind))
	case Duplicate:
		component.Logger(ctx).Debug("Skipped duplicate event", "id", ev.ID)
	}
	return outcome
}

func (s *Store) fold(ev Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := s.state.fold(ev)
	if outcome == Folded {
		s.state.lastFolded = s.now()
	}
	return outcome
}

// An Outcome is what became of an Event handed to Store.Apply.
type Outcome int

const (
	// Folded events changed the state of at least one subject.
	Folded Outcome = iota
	// Duplicate events carried an ID that was folded recently.
	Duplicate
	// Unrecognized events carried a kind outside the recognized set.
	Unrecognized
	// Discarded events carried no subject.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Folded:
		return "folded"
	case Duplicate:
		return "duplicate"
	case Unrecognized:
		return "unrecognized"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// twinState is everything the Aggregator folds events into. It is not safe for
// concurrent use; Store guards it.
type twinState struct {
	cfg      storeConfig
	rnd      *rand.Rand
	subjects map[string]*aggregateState
	dedup    *recentIDs

	byKind       map[Kind]int64
	unrecognized int64
	discarded    int64
	duplicates   int64
	hours        [24]int64
	unknownHours int64
	lastFolded   time.Time
}

func newTwinState(c storeConfig) *twinState {
	return &twinState{
		cfg:      c,
		rnd:      rand.New(rand.NewPCG(c.seed1, c.seed2)),
		subjects: make(map[string]*aggregateState),
		dedup:    newRecentIDs(c.dedupCapacity),
		byKind:   make(map[Kind]int64, len(Kinds)),
	}
}

// aggregateState is the mirror of a single subject's account.
type aggregateState struct {
	balance        decimal.Decimal
	totalDeposited decimal.Decimal
	totalSent      decimal.Decimal
	totalReceived  decimal.Decimal

	logins         int64
	balanceQueries int64
	deposits       int64
	transfersOut   int64
	transfersIn    int64
	lastLogin      time.Time

	depositSamples  *reservoir[decimal.Decimal]
	sentSamples     *reservoir[decimal.Decimal]
	receivedSamples *reservoir[decimal.Decimal]
	loginSamples    *reservoir[time.Time]
	shadow          *ring[Event]
}

// subject fetches the state of id, creating it zeroed on first reference.
func (t *twinState) subject(id string) *aggregateState {
	a, ok := t.subjects[id]
	if !ok {
		a = &aggregateState{
			depositSamples:  newReservoir[decimal.Decimal](t.cfg.sampleCapacity),
			sentSamples:     newReservoir[decimal.Decimal](t.cfg.sampleCapacity),
			receivedSamples: newReservoir[decimal.Decimal](t.cfg.sampleCapacity),
			loginSamples:    newReservoir[time.Time](t.cfg.sampleCapacity),
			shadow:          newRing[Event](t.cfg.shadowWindow),
		}
		t.subjects[id] = a
	}
	return a
}

// fold is the Aggregator: it applies one event to the state. It is total and
// depends on nothing but the event and the state.
func (t *twinState) fold(ev Event) Outcome {
	if !ev.Kind.Known() {
		t.unrecognized++
		return Unrecognized
	}
	if ev.Subject == "" {
		t.discarded++
		return Discarded
	}
	if !t.dedup.add(ev.ID) {
		t.duplicates++
		return Duplicate
	}

	actor := t.subject(ev.Subject)
	switch ev.Kind {
	case KindLogin:
		actor.logins++
		if ev.HasTimestamp() {
			actor.loginSamples.offer(ev.Timestamp, t.rnd)
			// Deliveries may be reordered; an older login never rewinds LastLogin.
			if ev.Timestamp.After(actor.lastLogin) {
				actor.lastLogin = ev.Timestamp
			}
		}
	case KindBalanceQuery:
		actor.balanceQueries++
	case KindDeposit:
		actor.deposits++
		actor.balance = actor.balance.Add(ev.Amount)
		actor.totalDeposited = actor.totalDeposited.Add(ev.Amount)
		actor.depositSamples.offer(ev.Amount, t.rnd)
	case KindTransfer:
		actor.transfersOut++
		actor.balance = actor.balance.Sub(ev.Amount)
		actor.totalSent = actor.totalSent.Add(ev.Amount)
		actor.sentSamples.offer(ev.Amount, t.rnd)
		// Without a counterparty the debit stands alone: the twin mirrors the
		// event the ledger emitted, not the conservation of money.
		if ev.Counterparty != "" {
			recipient := t.subject(ev.Counterparty)
			recipient.transfersIn++
			recipient.balance = recipient.balance.Add(ev.Amount)
			recipient.totalReceived = recipient.totalReceived.Add(ev.Amount)
			recipient.receivedSamples.offer(ev.Amount, t.rnd)
			if ev.Counterparty != ev.Subject {
				recipient.shadow.push(ev)
			}
		}
	}
	actor.shadow.push(ev)

	t.byKind[ev.Kind]++
	if ev.HasTimestamp() {
		t.hours[ev.Timestamp.Hour()]++
	} else {
		t.unknownHours++
	}
	return Folded
}
