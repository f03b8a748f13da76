package ledgertwin_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	. "github.com/go-digitaltwin/ledgertwin"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)
}

func TestTemporalDistribution(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindLogin, Timestamp: at(14, 0)},
		Event{Subject: "alice", Kind: KindLogin, Timestamp: at(9, 5)},
		Event{Subject: "bob", Kind: KindBalanceQuery, Timestamp: at(9, 55)},
		Event{Subject: "bob", Kind: KindBalanceQuery}, // unknown timestamp
		Event{Subject: "bob", Kind: "unknown_action", Timestamp: at(3, 0)},
	)

	want := Distribution{
		Hours:   []HourCount{{Hour: 9, Count: 2}, {Hour: 14, Count: 1}},
		Skipped: 1,
	}
	if diff := cmp.Diff(want, s.TemporalDistribution()); diff != "" {
		t.Errorf("TemporalDistribution() mismatch (-want +got):\n%s", diff)
	}
}

func TestShadow(t *testing.T) {
	s := NewStore(WithShadowWindow(2))

	if _, err := s.Shadow("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Shadow(unobserved) error = %v, want ErrNotFound", err)
	}

	deposit := Event{ID: "e1", Subject: "alice", Kind: KindDeposit, Amount: amount("100")}
	applyAll(t, s, deposit)
	want := ShadowView{Subject: "alice", Balance: amount("100"), Events: []Event{deposit}}
	got, err := s.Shadow("alice")
	if err != nil {
		t.Fatalf("Shadow(alice) error: %v", err)
	}
	if diff := cmp.Diff(want, got, decimalEqual); diff != "" {
		t.Errorf("Shadow(alice) mismatch (-want +got):\n%s", diff)
	}

	t.Run("bounded", func(t *testing.T) {
		second := Event{ID: "e2", Subject: "alice", Kind: KindLogin}
		third := Event{ID: "e3", Subject: "alice", Kind: KindTransfer, Amount: amount("1"), Counterparty: "bob"}
		applyAll(t, s, second, third)

		got, _ := s.Shadow("alice")
		if diff := cmp.Diff([]Event{second, third}, got.Events, decimalEqual); diff != "" {
			t.Errorf("Shadow(alice).Events mismatch (-want +got):\n%s", diff)
		}
		// The counterparty sees the transfer too.
		got, err := s.Shadow("bob")
		if err != nil {
			t.Fatalf("Shadow(bob) error: %v", err)
		}
		if diff := cmp.Diff([]Event{third}, got.Events, decimalEqual); diff != "" {
			t.Errorf("Shadow(bob).Events mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStatistics(t *testing.T) {
	s := NewStore()
	applyAll(t, s,
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("10")},
		Event{Subject: "alice", Kind: KindDeposit, Amount: amount("30")},
		Event{Subject: "alice", Kind: KindTransfer, Amount: amount("5"), Counterparty: "bob"},
		Event{Subject: "alice", Kind: KindLogin, Timestamp: at(9, 0)},
		Event{Subject: "alice", Kind: KindLogin, Timestamp: at(10, 30)},
	)

	got, err := s.Statistics("alice")
	if err != nil {
		t.Fatalf("Statistics(alice) error: %v", err)
	}
	checkStat(t, "MeanDeposit", got.MeanDeposit, 20)
	checkStat(t, "StdDevDeposit", got.StdDevDeposit, 10)
	checkStat(t, "MeanSent", got.MeanSent, 5)
	checkStat(t, "MeanLoginHour", got.MeanLoginHour, 9.75)
	if got.StdDevSent != nil {
		t.Errorf("StdDevSent = %v, want undefined for a single sample", *got.StdDevSent)
	}
	if got.MeanReceived != nil {
		t.Errorf("MeanReceived = %v, want undefined", *got.MeanReceived)
	}

	bob, err := s.Statistics("bob")
	if err != nil {
		t.Fatalf("Statistics(bob) error: %v", err)
	}
	checkStat(t, "bob MeanReceived", bob.MeanReceived, 5)
	if bob.MeanLoginHour != nil {
		t.Errorf("bob MeanLoginHour = %v, want undefined without logins", *bob.MeanLoginHour)
	}

	if _, err := s.Statistics("carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Statistics(carol) error = %v, want ErrNotFound", err)
	}
}

func TestStatisticsBoundedSamples(t *testing.T) {
	s := NewStore(WithSampleCapacity(8))
	for i := range 100 {
		applyAll(t, s, Event{Subject: "alice", Kind: KindDeposit, Amount: decimal.NewFromInt(int64(i))})
	}
	got, err := s.Statistics("alice")
	if err != nil {
		t.Fatalf("Statistics(alice) error: %v", err)
	}
	if got.SampledDeposit != 8 {
		t.Errorf("SampledDeposit = %d, want 8", got.SampledDeposit)
	}
	if d := s.Summary()["alice"].Deposits; d != 100 {
		t.Errorf("Deposits = %d, want 100 regardless of the sample bound", d)
	}
}

func checkStat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s undefined, want %v", name, want)
		return
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}
