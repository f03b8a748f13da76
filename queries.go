package ledgertwin

import (
	"errors"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by per-subject queries for a subject the store has
// never observed.
var ErrNotFound = errors.New("subject not found")

// AccountSummary is a read-only projection of one subject's aggregate state.
// It carries primitive fields only.
type AccountSummary struct {
	Balance        decimal.Decimal `json:"balance"`
	LastLogin      *time.Time      `json:"last_login"`
	Logins         int64           `json:"n_logins"`
	BalanceQueries int64           `json:"n_balance_queries"`
	Deposits       int64           `json:"n_deposits"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TransfersOut   int64           `json:"n_transfers_out"`
	TransfersIn    int64           `json:"n_transfers_in"`
	TotalSent      decimal.Decimal `json:"total_sent"`
	TotalReceived  decimal.Decimal `json:"total_received"`
}

func (a *aggregateState) summary() AccountSummary {
	s := AccountSummary{
		Balance:        a.balance,
		Logins:         a.logins,
		BalanceQueries: a.balanceQueries,
		Deposits:       a.deposits,
		TotalDeposited: a.totalDeposited,
		TransfersOut:   a.transfersOut,
		TransfersIn:    a.transfersIn,
		TotalSent:      a.totalSent,
		TotalReceived:  a.totalReceived,
	}
	if !a.lastLogin.IsZero() {
		t := a.lastLogin
		s.LastLogin = &t
	}
	return s
}

// Summary returns a point-in-time snapshot of every known subject. The returned
// map is owned by the caller.
func (s *Store) Summary() map[string]AccountSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AccountSummary, len(s.state.subjects))
	for id, a := range s.state.subjects {
		out[id] = a.summary()
	}
	return out
}

// Account returns the summary of a single subject, or ErrNotFound.
func (s *Store) Account(subject string) (AccountSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.subjects[subject]
	if !ok {
		return AccountSummary{}, ErrNotFound
	}
	return a.summary(), nil
}

// Subjects returns the known subjects in lexical order.
func (s *Store) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state.subjects))
	for id := range s.state.subjects {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stats aggregates counts across all subjects.
type Stats struct {
	Subjects     int            `json:"subjects"`
	Events       map[Kind]int64 `json:"events"`
	Unrecognized int64          `json:"unrecognized"`
	Discarded    int64          `json:"discarded"`
	Duplicates   int64          `json:"duplicates"`
	LastFolded   *time.Time     `json:"last_folded"`
}

// Total is the number of folded events.
func (st Stats) Total() int64 {
	var n int64
	for _, c := range st.Events {
		n += c
	}
	return n
}

// DerivedStats returns system-wide counts by event kind. Every recognized kind
// is present, even when zero.
func (s *Store) DerivedStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Subjects:     len(s.state.subjects),
		Events:       make(map[Kind]int64, len(Kinds)),
		Unrecognized: s.state.unrecognized,
		Discarded:    s.state.discarded,
		Duplicates:   s.state.duplicates,
	}
	for _, k := range Kinds {
		st.Events[k] = s.state.byKind[k]
	}
	if !s.state.lastFolded.IsZero() {
		t := s.state.lastFolded
		st.LastFolded = &t
	}
	return st
}

// HourCount is one bucket of a Distribution.
type HourCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// Distribution is a histogram of folded events by hour of day.
type Distribution struct {
	// Hours holds the non-empty buckets, sorted by hour ascending.
	Hours []HourCount `json:"hours"`
	// Skipped counts folded events whose timestamp was unknown.
	Skipped int64 `json:"skipped"`
}

// TemporalDistribution buckets every folded event by the hour of day of its
// timestamp, in the zone the timestamp was recorded in.
func (s *Store) TemporalDistribution() Distribution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := Distribution{Hours: []HourCount{}, Skipped: s.state.unknownHours}
	for h, n := range s.state.hours {
		if n > 0 {
			d.Hours = append(d.Hours, HourCount{Hour: h, Count: n})
		}
	}
	return d
}

// ShadowView is the trailing window of raw events touching one subject,
// alongside its current twin balance.
type ShadowView struct {
	Subject string          `json:"subject"`
	Balance decimal.Decimal `json:"balance"`
	Events  []Event         `json:"events"`
}

// Shadow returns the shadow window of subject, oldest event first, or
// ErrNotFound if the subject was never observed.
func (s *Store) Shadow(subject string) (ShadowView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.state.subjects[subject]
	if !ok {
		return ShadowView{}, ErrNotFound
	}
	return ShadowView{
		Subject: subject,
		Balance: a.balance,
		Events:  a.shadow.values(),
	}, nil
}

// AccountStatistics describes the retained samples of one subject. A nil field
// means the statistic is undefined for the samples at hand.
type AccountStatistics struct {
	MeanSent       *float64 `json:"mean_sent"`
	MeanReceived   *float64 `json:"mean_received"`
	MeanDeposit    *float64 `json:"mean_deposit"`
	MeanLoginHour  *float64 `json:"mean_login_hour"`
	StdDevSent     *float64 `json:"stddev_sent"`
	StdDevDeposit  *float64 `json:"stddev_deposit"`
	SampledSent    int      `json:"sampled_sent"`
	SampledDeposit int      `json:"sampled_deposit"`
}

// Statistics computes sample statistics of subject over its retained
// reservoirs, or returns ErrNotFound. Samples that do not convert to a finite
// number are left out, degrading precision instead of failing the read.
func (s *Store) Statistics(subject string) (AccountStatistics, error) {
	s.mu.RLock()
	a, ok := s.state.subjects[subject]
	if !ok {
		s.mu.RUnlock()
		return AccountStatistics{}, ErrNotFound
	}
	sent := finite(a.sentSamples.values())
	received := finite(a.receivedSamples.values())
	deposits := finite(a.depositSamples.values())
	logins := a.loginSamples.values()
	s.mu.RUnlock()

	st := AccountStatistics{
		MeanSent:       mean(sent),
		MeanReceived:   mean(received),
		MeanDeposit:    mean(deposits),
		StdDevSent:     pstdev(sent),
		StdDevDeposit:  pstdev(deposits),
		SampledSent:    len(sent),
		SampledDeposit: len(deposits),
	}
	if len(logins) >= 2 {
		hours := make([]float64, len(logins))
		for i, t := range logins {
			hours[i] = float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
		}
		st.MeanLoginHour = mean(hours)
	}
	return st, nil
}

func finite(samples []decimal.Decimal) []float64 {
	out := make([]float64, 0, len(samples))
	for _, d := range samples {
		f := d.InexactFloat64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	return &m
}

// pstdev is the population standard deviation; it needs at least two samples.
func pstdev(xs []float64) *float64 {
	if len(xs) < 2 {
		return nil
	}
	m := *mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	d := math.Sqrt(ss / float64(len(xs)))
	return &d
}

// LastFolded returns the wall-clock time of the most recent fold, and false if
// the store has never folded an event.
func (s *Store) LastFolded() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.lastFolded, !s.state.lastFolded.IsZero()
}

// Staleness is the age of the most recently folded event, measured on the
// store's clock. It is zero for a store that never folded anything.
func (s *Store) Staleness() time.Duration {
	last, ok := s.LastFolded()
	if !ok {
		return 0
	}
	return max(s.now().Sub(last), 0)
}
