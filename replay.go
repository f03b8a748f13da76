package ledgertwin

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReplayReport summarises one replay of an event log.
type ReplayReport struct {
	Lines   int // non-blank lines read
	Skipped int // lines that failed to decode
	// Outcomes of the decoded lines.
	Folded       int
	Duplicates   int
	Unrecognized int
	Discarded    int
	// FirstError is the first decoding failure, if any.
	FirstError error
}

func (r *ReplayReport) record(o Outcome) {
	switch o {
	case Folded:
		r.Folded++
	case Duplicate:
		r.Duplicates++
	case Unrecognized:
		r.Unrecognized++
	case Discarded:
		r.Discarded++
	}
}

// Replay folds every event of a line-delimited log into store, in log order.
// Lines that fail to decode are skipped and counted; blank lines are ignored.
//
// Replay is safe to run against a populated store, but it is idempotent only
// for events carrying an ID still remembered by the store. Replaying ID-less
// events a second time counts them twice.
//
// Replay stops at the first read error or when ctx is done, returning the
// report of the lines processed so far alongside the error. Folds already made
// are not rolled back.
func Replay(ctx context.Context, r io.Reader, store *Store) (report ReplayReport, err error) {
	ctx, span := tracer.Start(ctx, "Replay")
	defer span.End()
	defer func(start time.Time) {
		measureReplay(ctx, report, err == nil, time.Since(start))
		span.SetAttributes(
			attribute.Int("replay.lines", report.Lines),
			attribute.Int("replay.skipped", report.Skipped),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())
	logger := component.Logger(ctx)

	br := bufio.NewReader(r)
	for lineno := 1; ; lineno++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return report, fmt.Errorf("read line %d: %w", lineno, readErr)
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			report.Lines++
			ev, err := ParseEvent(line)
			if err != nil {
				var perr *ParseError
				if errors.As(err, &perr) {
					perr.Line = lineno
				}
				report.Skipped++
				if report.FirstError == nil {
					report.FirstError = err
				}
				logger.Debug("Skipped malformed log line", "line", lineno, "error", err)
			} else {
				report.record(store.Apply(ctx, ev))
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
	}
	logger.Info("Replayed event log",
		slog.Int("lines", report.Lines),
		slog.Int("folded", report.Folded),
		slog.Int("skipped", report.Skipped),
	)
	return report, nil
}

// ReplayFile replays the log stored at path into store.
func ReplayFile(ctx context.Context, path string, store *Store) (ReplayReport, error) {
	ctx, span := tracer.Start(ctx, "ReplayFile", trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ReplayReport{}, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	ctx = component.InjectLogger(ctx, component.Logger(ctx).With(slog.String("file", path)))
	return Replay(ctx, f, store)
}

// Rebuild constructs a fresh store from the log at path. This is the disaster
// recovery path: the returned store reflects exactly the events of the log.
func Rebuild(ctx context.Context, path string, opts ...Option) (*Store, ReplayReport, error) {
	store := NewStore(opts...)
	report, err := ReplayFile(ctx, path, store)
	if err != nil {
		return nil, report, err
	}
	return store, report, nil
}
