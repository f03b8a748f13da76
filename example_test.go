package ledgertwin_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/ledgertwin"
)

// A twin is fed events, never the ledger itself. Here the events come from a
// legacy log whose producers named their fields differently.
func ExampleReplay() {
	log := strings.Join([]string{
		`{"timestamp":"2024-03-01T09:00:00","user":"alice","action":"deposit","amount":100}`,
		`{"timestamp":"2024-03-01T09:30:00","user":"alice","action":"pix","amount":30,"to_user":"bob"}`,
		`{"timestamp":"2024-03-01T14:00:00","user":"bob","action":"login"}`,
		`garbage`,
	}, "\n")

	store := ledgertwin.NewStore()
	report, err := ledgertwin.Replay(context.Background(), strings.NewReader(log), store)
	if err != nil {
		panic(err)
	}
	fmt.Printf("folded %d, skipped %d\n", report.Folded, report.Skipped)

	summary := store.Summary()
	for _, subject := range store.Subjects() {
		fmt.Printf("%s: balance %s\n", subject, summary[subject].Balance)
	}
	for _, h := range store.TemporalDistribution().Hours {
		fmt.Printf("%02d:00 %d\n", h.Hour, h.Count)
	}
	// Output:
	// folded 3, skipped 1
	// alice: balance 70
	// bob: balance 30
	// 09:00 2
	// 14:00 1
}

func ExampleStore_Shadow() {
	store := ledgertwin.NewStore()
	if _, err := store.Shadow("carol"); err != nil {
		fmt.Println(err)
	}

	store.Apply(context.Background(), ledgertwin.Event{
		Subject: "carol",
		Kind:    ledgertwin.KindDeposit,
		Amount:  amount("12.5"),
	})
	shadow, _ := store.Shadow("carol")
	fmt.Println(shadow.Balance, shadow.Events)
	// Output:
	// subject not found
	// 12.5 [carol deposited 12.5]
}

// The following example runs a Subscriber as a process of a component, next to
// whatever else the component does with the twin. This code is for illustration
// purposes only and is not meant to be executed as is.
func ExampleSubscriber_Proc() {
	store := ledgertwin.NewStore()
	sub := &ledgertwin.Subscriber{
		Dial:    ledgertwin.OpenSubscription("mem://events"),
		Pattern: ledgertwin.WildcardTopic(ledgertwin.DefaultNamespace),
		Handler: ledgertwin.FoldInto(store),
	}

	component.RunProc(func(l *component.L) {
		l.Fork("fold events", sub.Proc())
		l.Go("report", func(l *component.L) {
			stats := store.DerivedStats()
			l.Logf("twin folded %d events of %d subjects", stats.Total(), stats.Subjects)
		})
	})
}
