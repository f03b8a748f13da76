// Package ledger is a reference implementation of the canonical ledger: the
// transactional system of record for balances and transfers, backed by SQLite.
//
// Every mutation is committed before it is reported, as a ledgertwin.Event, to
// an Observer. The ledger keeps the full log of those events so that it can
// answer ledgertwin.Export.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/go-digitaltwin/ledgertwin"
	"github.com/go-digitaltwin/ledgertwin/ledger/migrations"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// An Observer is told about every committed mutation. Observe runs on the
// goroutine of the mutating call, after the commit.
type Observer interface {
	Observe(ctx context.Context, ev ledgertwin.Event)
}

// Ledger is safe for concurrent use; mutations are serialised by SQLite.
type Ledger struct {
	db       *sql.DB
	observer Observer
	now      func() time.Time
}

// Open opens (creating if needed) the ledger stored at dsn, e.g. a file path or
// "file::memory:", and applies pending migrations. A nil observer is allowed.
func Open(ctx context.Context, dsn string, observer Observer) (*Ledger, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("ledger dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Ledger{db: db, observer: observer, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Register opens a zero-balance account for subject.
func (l *Ledger) Register(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("register: subject is required")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts (subject, balance, created_at) VALUES (?, '0', ?)`,
		subject, l.now().UTC().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("register %s: %w", subject, ErrUserExists)
	}
	if err != nil {
		return fmt.Errorf("register %s: %w", subject, err)
	}
	return nil
}

// Login records that subject logged in.
func (l *Ledger) Login(ctx context.Context, subject string) error {
	err := l.commit(ctx, ledgertwin.Event{Subject: subject, Kind: ledgertwin.KindLogin}, func(tx *sql.Tx) error {
		_, err := balanceOf(ctx, tx, subject)
		return err
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Balance returns the balance of subject and records the query.
func (l *Ledger) Balance(ctx context.Context, subject string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.commit(ctx, ledgertwin.Event{Subject: subject, Kind: ledgertwin.KindBalanceQuery}, func(tx *sql.Tx) error {
		var err error
		balance, err = balanceOf(ctx, tx, subject)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

// Deposit credits a positive amount to subject and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, subject string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}
	var balance decimal.Decimal
	ev := ledgertwin.Event{Subject: subject, Kind: ledgertwin.KindDeposit, Amount: amount}
	err := l.commit(ctx, ev, func(tx *sql.Tx) error {
		current, err := balanceOf(ctx, tx, subject)
		if err != nil {
			return err
		}
		balance = current.Add(amount)
		return setBalance(ctx, tx, subject, balance)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("deposit: %w", err)
	}
	return balance, nil
}

// Transfer moves a positive amount from subject to recipient, provided that
// recipient exists and subject can afford it. It returns the new balance of
// subject.
func (l *Ledger) Transfer(ctx context.Context, subject, recipient string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("transfer: %w", ErrInvalidAmount)
	}
	var balance decimal.Decimal
	ev := ledgertwin.Event{Subject: subject, Kind: ledgertwin.KindTransfer, Amount: amount, Counterparty: recipient}
	err := l.commit(ctx, ev, func(tx *sql.Tx) error {
		from, err := balanceOf(ctx, tx, subject)
		if err != nil {
			return err
		}
		to, err := balanceOf(ctx, tx, recipient)
		if err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		if from.LessThan(amount) {
			return ErrInsufficientFunds
		}
		balance = from.Sub(amount)
		if recipient == subject {
			return nil
		}
		if err := setBalance(ctx, tx, subject, balance); err != nil {
			return err
		}
		return setBalance(ctx, tx, recipient, to.Add(amount))
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("transfer: %w", err)
	}
	return balance, nil
}

// History returns every committed event in commit order.
func (l *Ledger) History(ctx context.Context) ([]ledgertwin.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, occurred_at, subject, kind, amount, counterparty FROM events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []ledgertwin.Event
	for rows.Next() {
		var (
			ev         ledgertwin.Event
			occurredAt int64
			kind       string
			amount     string
		)
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.Subject, &kind, &amount, &ev.Counterparty); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(occurredAt).UTC()
		ev.Kind = ledgertwin.Kind(kind)
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("event %s: amount: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}

// commit runs mutate and logs ev in a single transaction, then hands ev to the
// observer. The observer never sees an event whose transaction rolled back.
func (l *Ledger) commit(ctx context.Context, ev ledgertwin.Event, mutate func(tx *sql.Tx) error) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	ev.ID = id.String()
	ev.Timestamp = time.UnixMilli(l.now().UnixMilli()).UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := mutate(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, occurred_at, subject, kind, amount, counterparty) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UnixMilli(), ev.Subject, string(ev.Kind), ev.Amount.String(), ev.Counterparty,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("log event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	component.Logger(ctx).Debug("Committed ledger event", "event-id", ev.ID, "kind", string(ev.Kind), "subject", ev.Subject)
	if l.observer != nil {
		l.observer.Observe(ctx, ev)
	}
	return nil
}

func balanceOf(ctx context.Context, tx *sql.Tx, subject string) (decimal.Decimal, error) {
	var text string
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE subject = ?`, subject).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%s: %w", subject, ErrUserNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance of %s: %w", subject, err)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of %s: %w", subject, err)
	}
	return d, nil
}

func setBalance(ctx context.Context, tx *sql.Tx, subject string, balance decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE subject = ?`, balance.String(), subject); err != nil {
		return fmt.Errorf("update balance of %s: %w", subject, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
