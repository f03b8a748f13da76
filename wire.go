package ledgertwin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedRecord is matched (via errors.Is) by every error ParseEvent
// returns.
var ErrMalformedRecord = errors.New("malformed event record")

// A ParseError describes why a wire record could not be decoded into an Event.
type ParseError struct {
	Line   int // 1-based line number when decoding a log file, 0 otherwise
	Reason string
	Err    error // underlying decoding error, if any
}

func (e *ParseError) Error() string {
	msg := "parse event: "
	if e.Line > 0 {
		msg += "line " + strconv.Itoa(e.Line) + ": "
	}
	msg += e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedRecord}
	}
	return []error{ErrMalformedRecord, e.Err}
}

// Producers disagree on field names. These aliases are honoured at the parse
// boundary only; everything past ParseEvent sees the canonical Event fields.
var (
	idKeys           = []string{"id", "event_id"}
	subjectKeys      = []string{"subject", "user"}
	kindKeys         = []string{"kind", "action", "tipo"}
	amountKeys       = []string{"amount"}
	counterpartyKeys = []string{"counterparty", "to_user", "destinatario", "recipient"}
	timestampKeys    = []string{"timestamp"}
)

// Legacy kind labels emitted by older producers.
var kindAliases = map[string]Kind{
	"balance": KindBalanceQuery,
	"pix":     KindTransfer,
}

// ParseEvent decodes a single wire record (one JSON object) into an Event.
//
// Only structurally invalid records fail: anything that is not a JSON object.
// Semantic gaps survive decoding so that the Aggregator can count them: a
// missing subject yields an empty Subject, an unknown label yields an unknown
// Kind, an unparseable timestamp yields a zero Timestamp, and an amount that is
// not a decimal number is coerced to zero.
//
// Besides the canonical schema (see Event.MarshalJSON), ParseEvent accepts the
// field aliases listed above and reads subject, amount and counterparty from a
// nested "info" object when they are absent at the top level.
func ParseEvent(p []byte) (Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(p, &top); err != nil {
		return Event{}, &ParseError{Reason: "not a JSON object", Err: err}
	}
	if top == nil {
		return Event{}, &ParseError{Reason: "null record"}
	}
	r := record{top: top}
	if raw, ok := top["info"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err == nil {
			r.nested = nested
		}
	}

	ev := Event{
		ID:           r.text(idKeys...),
		Subject:      r.text(subjectKeys...),
		Kind:         normalizeKind(r.text(kindKeys...)),
		Amount:       r.amount(amountKeys...),
		Counterparty: r.text(counterpartyKeys...),
	}
	ev.Timestamp, _ = ParseTimestamp(r.text(timestampKeys...))
	return ev, nil
}

func normalizeKind(label string) Kind {
	label = strings.ToLower(strings.TrimSpace(label))
	if k, ok := kindAliases[label]; ok {
		return k
	}
	return Kind(label)
}

// timestampLayouts covers RFC 3339 and the zone-less ISO-8601 variants produced
// by Python's datetime.isoformat.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses ISO-8601 text. Zone-less timestamps are read as UTC.
// It reports false for empty or unparseable text.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// record looks fields up by alias, first at the top level of the wire object and
// then inside its nested "info" object.
type record struct {
	top    map[string]json.RawMessage
	nested map[string]json.RawMessage
}

func (r record) lookup(keys ...string) (json.RawMessage, bool) {
	for _, m := range []map[string]json.RawMessage{r.top, r.nested} {
		for _, k := range keys {
			if raw, ok := m[k]; ok && !isNull(raw) {
				return raw, true
			}
		}
	}
	return nil, false
}

// text returns the string value of the first present alias. Numeric identities
// are accepted verbatim; any other JSON type reads as empty.
func (r record) text(keys ...string) string {
	raw, ok := r.lookup(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// amount coerces the first present alias to a decimal, falling back to zero.
func (r record) amount(keys ...string) decimal.Decimal {
	raw, ok := r.lookup(keys...)
	if !ok {
		return decimal.Zero
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return parseAmount(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseAmount(strings.TrimSpace(s))
	}
	return decimal.Zero
}

// Bounds on the amounts ParseEvent accepts. Arithmetic on a decimal costs in
// proportion to its digits and exponent, so amounts beyond these are coerced to
// zero like any other unusable amount.
const (
	maxAmountLen      = 64
	maxAmountExponent = 64
)

func parseAmount(s string) decimal.Decimal {
	if len(s) > maxAmountLen {
		amountsRejected.Add(context.Background(), 1)
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	if e := d.Exponent(); e > maxAmountExponent || e < -maxAmountExponent {
		amountsRejected.Add(context.Background(), 1)
		return decimal.Zero
	}
	return d
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// wireEvent is the canonical wire schema.
type wireEvent struct {
	ID           string      `json:"id,omitempty"`
	Timestamp    string      `json:"timestamp,omitempty"`
	Subject      string      `json:"subject"`
	Kind         Kind        `json:"kind"`
	Amount       json.Number `json:"amount,omitempty"`
	Counterparty string      `json:"counterparty,omitempty"`
}

// MarshalJSON encodes the event in the canonical wire schema as a single-line
// JSON object. Unknown timestamps are omitted.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:           e.ID,
		Subject:      e.Subject,
		Kind:         e.Kind,
		Counterparty: e.Counterparty,
	}
	if e.HasTimestamp() {
		w.Timestamp = e.Timestamp.Format(time.RFC3339Nano)
	}
	if e.Kind == KindDeposit || e.Kind == KindTransfer || !e.Amount.IsZero() {
		w.Amount = json.Number(e.Amount.String())
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes any wire shape accepted by ParseEvent.
func (e *Event) UnmarshalJSON(p []byte) error {
	ev, err := ParseEvent(p)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}
