package ledgertwin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"

	. "github.com/go-digitaltwin/ledgertwin"
)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func applyAll(t *testing.T, s *Store, events ...Event) {
	t.Helper()
	for _, ev := range events {
		s.Apply(context.Background(), ev)
	}
}

func TestStoreDepositThenTransfer(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("100")},
		Event{Subject: "alice", Kind: KindTransfer, Amount: amount("30"), Counterparty: "bob"},
	)

	want := map[string]AccountSummary{
		"alice": {
			Balance:        amount("70"),
			Deposits:       1,
			TotalDeposited: amount("100"),
			TransfersOut:   1,
			TotalSent:      amount("30"),
		},
		"bob": {
			Balance:       amount("30"),
			TransfersIn:   1,
			TotalReceived: amount("30"),
		},
	}
	if diff := cmp.Diff(want, s.Summary(), decimalEqual); diff != "" {
		t.Errorf("Summary() mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreTransferWithoutCounterparty(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("10")},
		Event{Subject: "alice", Kind: KindTransfer, Amount: amount("4")},
	)

	got := s.Summary()
	if len(got) != 1 {
		t.Errorf("Summary() has %d subjects, want only the actor", len(got))
	}
	if b := got["alice"].Balance; !b.Equal(amount("6")) {
		t.Errorf("alice balance = %s, want 6 (debit applies without a credit)", b)
	}
}

func TestStoreNoNegativeBalanceGuard(t *testing.T) {
	s := NewStore()
	applyAll(t, s, Event{Subject: "alice", Kind: KindTransfer, Amount: amount("25"), Counterparty: "bob"})

	if b := s.Summary()["alice"].Balance; !b.Equal(amount("-25")) {
		t.Errorf("alice balance = %s, want -25", b)
	}
}

func TestStoreNonNumericAmountFoldsAsZero(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"subject":"alice","kind":"deposit","amount":"abc"}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	s := NewStore()
	if got := s.Apply(context.Background(), ev); got != Folded {
		t.Fatalf("Apply() = %v, want %v", got, Folded)
	}

	got := s.Summary()["alice"]
	if got.Deposits != 1 || !got.Balance.IsZero() || !got.TotalDeposited.IsZero() {
		t.Errorf("Summary()[alice] = %+v, want one zero deposit", got)
	}
}

func TestStoreLogin(t *testing.T) {
	first := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindLogin, Timestamp: first},
		Event{Subject: "alice", Kind: KindLogin}, // unparseable timestamp
	)

	got := s.Summary()["alice"]
	if got.Logins != 2 {
		t.Errorf("Logins = %d, want 2", got.Logins)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(first) {
		t.Errorf("LastLogin = %v, want %v", got.LastLogin, first)
	}

	t.Run("reordered", func(t *testing.T) {
		applyAll(t, s, Event{Subject: "alice", Kind: KindLogin, Timestamp: first.Add(-time.Hour)})
		got := s.Summary()["alice"]
		if got.LastLogin == nil || !got.LastLogin.Equal(first) {
			t.Errorf("LastLogin = %v after an older login, want %v", got.LastLogin, first)
		}
	})
}

func TestStoreBalanceQuery(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("5")},
		Event{Subject: "alice", Kind: KindBalanceQuery, Amount: amount("999")},
	)
	got := s.Summary()["alice"]
	if got.BalanceQueries != 1 || !got.Balance.Equal(amount("5")) {
		t.Errorf("Summary()[alice] = %+v, want one query and unchanged balance", got)
	}
}

func TestStoreIgnoresMalformedEvents(t *testing.T) {
	s := NewStore()
	applyAll(t, s, Event{Subject: "alice", Kind: KindDeposit, Amount: amount("100")})
	before := s.Summary()

	ctx := context.Background()
	if got := s.Apply(ctx, Event{Subject: "alice", Kind: "unknown_action", Amount: amount("5")}); got != Unrecognized {
		t.Errorf("Apply(unknown kind) = %v, want %v", got, Unrecognized)
	}
	if got := s.Apply(ctx, Event{Kind: KindDeposit, Amount: amount("5")}); got != Discarded {
		t.Errorf("Apply(no subject) = %v, want %v", got, Discarded)
	}
	if got := s.Apply(ctx, Event{Subject: "carol", Kind: "unknown_action"}); got != Unrecognized {
		t.Errorf("Apply(unknown kind) = %v, want %v", got, Unrecognized)
	}

	if diff := cmp.Diff(before, s.Summary(), decimalEqual); diff != "" {
		t.Errorf("Summary() changed by malformed events (-before +after):\n%s", diff)
	}
	stats := s.DerivedStats()
	if stats.Unrecognized != 2 || stats.Discarded != 1 {
		t.Errorf("DerivedStats() = %+v, want 2 unrecognized and 1 discarded", stats)
	}
}

func TestStoreDeduplicatesByID(t *testing.T) {
	s := NewStore()
	deposit := Event{ID: "e1", Subject: "alice", Kind: KindDeposit, Amount: amount("10")}
	ctx := context.Background()

	if got := s.Apply(ctx, deposit); got != Folded {
		t.Errorf("first Apply() = %v, want %v", got, Folded)
	}
	if got := s.Apply(ctx, deposit); got != Duplicate {
		t.Errorf("second Apply() = %v, want %v", got, Duplicate)
	}
	if b := s.Summary()["alice"].Balance; !b.Equal(amount("10")) {
		t.Errorf("balance = %s, want 10", b)
	}

	t.Run("without ID", func(t *testing.T) {
		legacy := Event{Subject: "bob", Kind: KindDeposit, Amount: amount("10")}
		applyAll(t, s, legacy, legacy)
		if b := s.Summary()["bob"].Balance; !b.Equal(amount("20")) {
			t.Errorf("balance = %s, want 20", b)
		}
	})

	t.Run("evicted", func(t *testing.T) {
		s := NewStore(WithDedupCapacity(2))
		applyAll(t, s,
			Event{ID: "a", Subject: "carol", Kind: KindLogin},
			Event{ID: "b", Subject: "carol", Kind: KindLogin},
			Event{ID: "c", Subject: "carol", Kind: KindLogin},
			Event{ID: "a", Subject: "carol", Kind: KindLogin}, // forgotten by now
			Event{ID: "c", Subject: "carol", Kind: KindLogin}, // still remembered
		)
		if got := s.Summary()["carol"].Logins; got != 4 {
			t.Errorf("Logins = %d, want 4", got)
		}
	})
}

func TestStoreTransferIsAtomicToReaders(t *testing.T) {
	s := NewStore(WithShadowWindow(1), WithSampleCapacity(1))
	applyAll(t, s, Event{Subject: "alice", Kind: KindDeposit, Amount: amount("1000")})

	const transfers = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range transfers {
			s.Apply(context.Background(), Event{Subject: "alice", Kind: KindTransfer, Amount: amount("1"), Counterparty: "bob"})
		}
	}()

	// Money is conserved between alice and bob at every instant.
	for range transfers {
		summary := s.Summary()
		total := summary["alice"].Balance.Add(summary["bob"].Balance)
		if !total.Equal(amount("1000")) {
			t.Fatalf("observed a half-applied transfer: alice+bob = %s", total)
		}
	}
	wg.Wait()
}

func TestStoreStaleness(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return now }))

	if _, ok := s.LastFolded(); ok {
		t.Errorf("LastFolded() reported a fold on an empty store")
	}
	applyAll(t, s, Event{Subject: "alice", Kind: KindLogin})
	now = now.Add(90 * time.Second)

	if got := s.Staleness(); got != 90*time.Second {
		t.Errorf("Staleness() = %v, want 90s", got)
	}
}

func TestStoreDerivedStats(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindLogin},
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("3")},
		Event{Subject: "alice", Kind: KindTransfer, Amount: amount("1"), Counterparty: "bob"},
		Event{Subject: "bob", Kind: KindLogin},
	)
	want := Stats{
		Subjects: 2,
		Events: map[Kind]int64{
			KindLogin:        2,
			KindBalanceQuery: 0,
			KindDeposit:      1,
			KindTransfer:     1,
		},
	}
	got := s.DerivedStats()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Stats{}, "LastFolded")); diff != "" {
		t.Errorf("DerivedStats() mismatch (-want +got):\n%s", diff)
	}
	if got.Total() != 4 {
		t.Errorf("Total() = %d, want 4", got.Total())
	}
}
