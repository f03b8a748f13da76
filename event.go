package ledgertwin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind labels the fact an Event carries. The set of kinds the Aggregator folds
// is closed; an Event may still carry any other label, in which case it is
// counted as unrecognized and otherwise ignored.
type Kind string

const (
	KindLogin        Kind = "login"
	KindBalanceQuery Kind = "balance_query"
	KindDeposit      Kind = "deposit"
	KindTransfer     Kind = "transfer"
)

// Kinds lists the recognized kinds in a stable order.
var Kinds = []Kind{KindLogin, KindBalanceQuery, KindDeposit, KindTransfer}

// Known reports whether k belongs to the closed set of recognized kinds.
func (k Kind) Known() bool {
	switch k {
	case KindLogin, KindBalanceQuery, KindDeposit, KindTransfer:
		return true
	}
	return false
}

// Event is the immutable unit of fact flowing from the canonical ledger to every
// twin replica. It is a value type: pass it by value and never modify an Event
// after it has been handed to a Store, a Sink or a file.
//
// The same Event shape is produced by the in-process Hook, decoded from
// exported log lines by Replay, and decoded from pub/sub payloads by a
// Subscriber. See ParseEvent for the accepted wire shapes.
type Event struct {
	// ID uniquely identifies the fact across all producers. Events without an ID
	// (legacy producers) are never deduplicated.
	ID string
	// Timestamp is the point in time the fact occurred. The zero value means the
	// timestamp was absent or could not be parsed.
	Timestamp time.Time
	// Subject is the acting account. Events without a subject are discarded by the
	// Aggregator.
	Subject string
	// Kind labels the fact.
	Kind Kind
	// Amount is the quantity of a deposit or transfer. Unparseable amounts are
	// coerced to zero at the parse boundary.
	Amount decimal.Decimal
	// Counterparty is the receiving account of a transfer, if known.
	Counterparty string
}

// HasTimestamp reports whether the event carries a known timestamp.
func (e Event) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

func (e Event) String() string {
	switch e.Kind {
	case KindDeposit:
		return fmt.Sprintf("%s deposited %s", e.Subject, e.Amount)
	case KindTransfer:
		if e.Counterparty == "" {
			return fmt.Sprintf("%s sent %s to nobody", e.Subject, e.Amount)
		}
		return fmt.Sprintf("%s sent %s to %s", e.Subject, e.Amount, e.Counterparty)
	default:
		return fmt.Sprintf("%s did %s", e.Subject, e.Kind)
	}
}
