package neo4jgraph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"

	"github.com/go-digitaltwin/ledgertwin"
	"github.com/go-digitaltwin/ledgertwin/internal/dbtest"
)

func TestProjectionFor(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		ev         ledgertwin.Event
		wantOK     bool
		wantParams map[string]any
		wantEdge   bool
	}{
		{
			name:   "login",
			ev:     ledgertwin.Event{Subject: "alice", Kind: ledgertwin.KindLogin, Timestamp: at},
			wantOK: true,
			wantParams: map[string]any{
				"subject": "alice", "kind": "login", "seen": at.UnixMilli(),
			},
		},
		{
			name:   "deposit without timestamp",
			ev:     ledgertwin.Event{Subject: "alice", Kind: ledgertwin.KindDeposit, Amount: decimal.NewFromInt(5)},
			wantOK: true,
			wantParams: map[string]any{
				"subject": "alice", "kind": "deposit", "seen": nil,
			},
		},
		{
			name:   "transfer",
			ev:     ledgertwin.Event{Subject: "alice", Kind: ledgertwin.KindTransfer, Amount: decimal.RequireFromString("12.5"), Counterparty: "bob", Timestamp: at},
			wantOK: true,
			wantParams: map[string]any{
				"subject": "alice", "kind": "transfer", "seen": at.UnixMilli(),
				"counterparty": "bob", "amount": 12.5,
			},
			wantEdge: true,
		},
		{
			name:   "transfer without counterparty",
			ev:     ledgertwin.Event{Subject: "alice", Kind: ledgertwin.KindTransfer, Amount: decimal.NewFromInt(3)},
			wantOK: true,
			wantParams: map[string]any{
				"subject": "alice", "kind": "transfer", "seen": nil,
			},
		},
		{name: "unknown kind", ev: ledgertwin.Event{Subject: "alice", Kind: "refund"}},
		{name: "no subject", ev: ledgertwin.Event{Kind: ledgertwin.KindLogin}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cypher, params, ok := projectionFor(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("projectionFor() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.wantParams, params); diff != "" {
				t.Errorf("projectionFor() params mismatch (-want +got):\n%s", diff)
			}
			if got := strings.Contains(cypher, transferRelation); got != tt.wantEdge {
				t.Errorf("projectionFor() merges a %s edge = %v, want %v", transferRelation, got, tt.wantEdge)
			}
		})
	}
}

func TestProjector(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	database := dbtest.DatabaseName(t)
	if err := BootstrapDatabase(ctx, d, database); err != nil {
		t.Fatalf("BootstrapDatabase() error = %v", err)
	}

	store := ledgertwin.NewStore()
	p := NewProjector(d, database)
	handle := p.Handler(store)

	events := []ledgertwin.Event{
		{ID: "1", Subject: "alice", Kind: ledgertwin.KindDeposit, Amount: decimal.NewFromInt(100)},
		{ID: "2", Subject: "alice", Kind: ledgertwin.KindTransfer, Amount: decimal.NewFromInt(30), Counterparty: "bob"},
		{ID: "2", Subject: "alice", Kind: ledgertwin.KindTransfer, Amount: decimal.NewFromInt(30), Counterparty: "bob"}, // redelivered
		{ID: "3", Subject: "alice", Kind: ledgertwin.KindTransfer, Amount: decimal.RequireFromString("0.5"), Counterparty: "bob"},
		{ID: "4", Subject: "bob", Kind: ledgertwin.KindTransfer, Amount: decimal.NewFromInt(10), Counterparty: "carol"},
		{ID: "5", Subject: "bob", Kind: "refund"},
	}
	for _, ev := range events {
		if err := handle(ctx, ev); err != nil {
			t.Fatalf("handle(%v) error = %v", ev, err)
		}
	}

	got, err := p.Edges(ctx)
	if err != nil {
		t.Fatalf("Edges() error = %v", err)
	}
	want := []Edge{
		{From: "alice", To: "bob", Total: 30.5, Count: 2},
		{From: "bob", To: "carol", Total: 10, Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Edges() mismatch (-want +got):\n%s", diff)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})
	defer func() {
		if err := s.Close(ctx); err != nil {
			t.Fatal("Failed to close session:", err)
		}
	}()
	result, err := s.Run(ctx, "MATCH (a:Account {subject: 'alice'}) RETURN a.events AS events", nil)
	if err != nil {
		t.Fatal("Failed to query account:", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		t.Fatal("Failed to read account:", err)
	}
	if n, err := getRecordProperty[int64](record, "events"); err != nil || n != 3 {
		t.Errorf("alice projected %d events (err %v), want 3", n, err)
	}
}

func TestBootstrapDatabaseInvalidName(t *testing.T) {
	tests := []struct {
		name     string
		database string
	}{
		{name: "Empty"},
		{name: "Reserved(neo4j)", database: "neo4j"},
		{name: "Reserved(system)", database: "systemReserved"},
		{name: "Reserved(underscore)", database: "_NotSystem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("BootstrapDatabase(%q) did not panic", tt.database)
				}
			}()
			// The name is validated before the driver is touched.
			_ = BootstrapDatabase(context.Background(), nil, tt.database)
		})
	}
}
