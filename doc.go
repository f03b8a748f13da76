// Package ledgertwin maintains a digital twin of a bank ledger; A digital twin
// is a passive, in-memory mirror of account state - maintained by folding the
// domain events the canonical ledger emits as side effects of its mutations, as
// opposed to reading the ledger itself.
//
// The twin is never the system of record. Nothing in this package can authorize
// or reject a ledger mutation; balances held by a Store are derived purely from
// the events folded into it and may drift from the ledger while deliveries are
// in flight, duplicated, or reordered.
//
// Events reach a Store through three sources that share the same entry point,
// Store.Apply:
//   - A Hook, called by the ledger right after each committed mutation, which
//     also broadcasts the event to other processes through a Publisher.
//   - Replay, which reads a line-delimited event log written by Export.
//   - A Subscriber, which consumes events broadcast by other processes over a
//     pub/sub transport and survives transport failures by reconnecting with
//     exponential backoff.
//
// Use Store.Summary, Store.DerivedStats, Store.TemporalDistribution,
// Store.Shadow and Store.Statistics to read the twin.
package ledgertwin
