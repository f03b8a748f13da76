package ledgertwin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A HistorySource answers "fetch full history for export": every event the
// canonical ledger ever committed, in commit order.
type HistorySource interface {
	History(ctx context.Context) ([]Event, error)
}

// Export writes the history of src to the file at path, one event per line,
// replacing any previous content. It returns the number of lines written.
//
// Export makes no all-or-nothing promise: lines flushed before a failure remain
// on disk, but the failure is always reported.
func Export(ctx context.Context, src HistorySource, path string) (n int, err error) {
	ctx, span := tracer.Start(ctx, "Export", trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.Int("export.lines", n))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	events, err := src.History(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create log: %w", err)
	}
	n, err = WriteLog(f, events)
	if closeErr := f.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close log: %w", closeErr))
	}
	if err != nil {
		return n, err
	}
	component.Logger(ctx).Info("Exported event log", "file", path, "lines", n)
	return n, nil
}

// WriteLog encodes events to w in the line-delimited log format read by Replay:
// one canonical JSON object per line, each terminated by a newline, without
// header or footer. It returns the number of complete lines w accepted, which
// on error excludes lines still buffered or only partially written.
func WriteLog(w io.Writer, events []Event) (int, error) {
	lc := &lineCounter{w: w}
	bw := bufio.NewWriter(lc)
	for i, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return lc.lines, fmt.Errorf("encode event %q: %w", ev.ID, err)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return lc.lines, fmt.Errorf("write line %d: %w", i+1, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return lc.lines, fmt.Errorf("flush: %w", err)
	}
	return lc.lines, nil
}

// lineCounter counts the newlines w accepted.
type lineCounter struct {
	w     io.Writer
	lines int
}

func (c *lineCounter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.lines += bytes.Count(p[:n], []byte{'\n'})
	return n, err
}
