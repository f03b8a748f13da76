// Package neo4jgraph projects the twin's event stream onto a Neo4j graph: one
// Account node per subject and one TRANSFERRED relationship per ordered pair of
// subjects that moved money, carrying the running total and count.
//
// The graph is a secondary read model. It is fed only with events the twin
// folded, so that duplicates the twin discards never reach it:
//
//	sub.Handler = projector.Handler(store)
package neo4jgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/ledgertwin"
)

const (
	accountLabel     = "Account"
	transferRelation = "TRANSFERRED"
)

// Projector writes events to a Neo4j database. It is safe for concurrent use.
type Projector struct {
	driver   neo4j.DriverWithContext
	database string
	txMutex  graphWRMutex
}

// NewProjector returns a Projector writing to the named database, which
// BootstrapDatabase should have prepared.
func NewProjector(driver neo4j.DriverWithContext, database string) *Projector {
	return &Projector{driver: driver, database: database}
}

// Handler returns a ledgertwin.EventHandler that folds each event into store
// and projects it when, and only when, the store folded it.
func (p *Projector) Handler(store *ledgertwin.Store) ledgertwin.EventHandler {
	return func(ctx context.Context, ev ledgertwin.Event) error {
		if store.Apply(ctx, ev) != ledgertwin.Folded {
			return nil
		}
		if err := p.Project(ctx, ev); err != nil {
			projectionFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("neo4j.database", p.database),
			))
			return err
		}
		return nil
	}
}

// Project applies a single event to the graph in one write transaction.
// Events that do not change the graph shape (unknown kinds, missing subjects)
// are ignored.
//
// Project is not idempotent: projecting a transfer twice counts it twice. Use
// Handler to let the twin deduplicate first.
func (p *Projector) Project(ctx context.Context, ev ledgertwin.Event) error {
	cypher, params, ok := projectionFor(ev)
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Projector.Project", trace.WithAttributes(
		attribute.String("neo4j.database", p.database),
		attribute.String("event.kind", string(ev.Kind)),
	))
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", p.database)

	s := p.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: p.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	p.txMutex.WLock()
	defer p.txMutex.WUnlock()

	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	} else if err != nil {
		span.RecordError(err)
		return fmt.Errorf("project event %s: neo4j execute: %w", ev.ID, err)
	}
	return nil
}

// projectionFor returns the Cypher statement and parameters projecting ev, and
// false when ev leaves the graph untouched.
func projectionFor(ev ledgertwin.Event) (cypher string, params map[string]any, ok bool) {
	if ev.Subject == "" || !ev.Kind.Known() {
		return "", nil, false
	}
	var seen any
	if ev.HasTimestamp() {
		seen = ev.Timestamp.UnixMilli()
	}
	params = map[string]any{
		"subject": ev.Subject,
		"kind":    string(ev.Kind),
		"seen":    seen,
	}

	// Every event touches its subject's node; lastSeen only moves forward.
	cypher = `
		MERGE (a:` + accountLabel + ` {subject: $subject})
		SET a.events = coalesce(a.events, 0) + 1,
		    a.lastSeen = CASE WHEN $seen IS NULL OR a.lastSeen > $seen THEN a.lastSeen ELSE $seen END
	`
	if ev.Kind != ledgertwin.KindTransfer || ev.Counterparty == "" {
		return cypher, params, true
	}

	params["counterparty"] = ev.Counterparty
	params["amount"] = ev.Amount.InexactFloat64()
	cypher += `
		MERGE (b:` + accountLabel + ` {subject: $counterparty})
		MERGE (a)-[r:` + transferRelation + `]->(b)
		SET r.total = coalesce(r.total, 0.0) + $amount,
		    r.count = coalesce(r.count, 0) + 1
	`
	return cypher, params, true
}

// An Edge aggregates every transfer from one subject to another.
type Edge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Total float64 `json:"total"`
	Count int64   `json:"count"`
}

// Edges reads every transfer relationship, ordered by sender then recipient.
// It waits for in-flight projections and blocks new ones while reading.
func (p *Projector) Edges(ctx context.Context) ([]Edge, error) {
	ctx, span := tracer.Start(ctx, "Projector.Edges", trace.WithAttributes(
		attribute.String("neo4j.database", p.database),
	))
	defer span.End()

	s := p.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: p.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := s.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	p.txMutex.Lock()
	defer p.txMutex.Unlock()

	edges, err := s.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, `
			MATCH (a:`+accountLabel+`)-[r:`+transferRelation+`]->(b:`+accountLabel+`)
			RETURN a.subject AS from, b.subject AS to, toFloat(r.total) AS total, r.count AS count
			ORDER BY from, to
		`, nil)
		if err != nil {
			return nil, err
		}
		var edges []Edge
		for result.Next(ctx) {
			e, err := edgeFrom(result.Record())
			if err != nil {
				return nil, err
			}
			edges = append(edges, e)
		}
		return edges, result.Err()
	})
	if errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{}) {
		component.Logger(ctx).Error("A Cypher query was modified without care", "error", err)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	} else if err != nil {
		return nil, fmt.Errorf("read transfer edges: %w", err)
	}
	if edges == nil {
		return nil, nil
	}
	return edges.([]Edge), nil
}

func edgeFrom(record *neo4j.Record) (e Edge, err error) {
	if e.From, err = getRecordProperty[string](record, "from"); err != nil {
		return e, fmt.Errorf("from: %w", err)
	}
	if e.To, err = getRecordProperty[string](record, "to"); err != nil {
		return e, fmt.Errorf("to: %w", err)
	}
	if e.Total, err = getRecordProperty[float64](record, "total"); err != nil {
		return e, fmt.Errorf("total: %w", err)
	}
	if e.Count, err = getRecordProperty[int64](record, "count"); err != nil {
		return e, fmt.Errorf("count: %w", err)
	}
	return e, nil
}
