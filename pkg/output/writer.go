package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a single line.
type Writer interface {
	// WriteOutcome emits a per-job outcome record.
	WriteOutcome(ctx context.Context, phase string, rec *OutcomeRecord) error

	// WriteSummary emits a phase summary record.
	WriteSummary(ctx context.Context, phase string, rec *SummaryRecord) error

	// WriteResult emits a parsed result record.
	WriteResult(ctx context.Context, phase string, rec *ResultRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	c     io.Closer
	runID string
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a JSONL writer over w. Close does not close w.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID}
}

// OpenJSONLFile appends records to the file at path, creating it and its
// parent directories as needed. Close closes the file.
func OpenJSONLFile(path, runID string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &JSONLWriter{w: f, c: f, runID: runID}, nil
}

func (jw *JSONLWriter) WriteOutcome(ctx context.Context, phase string, rec *OutcomeRecord) error {
	return jw.writeRecord(ctx, TypeOutcome, phase, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, phase string, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, phase, rec)
}

func (jw *JSONLWriter) WriteResult(ctx context.Context, phase string, rec *ResultRecord) error {
	return jw.writeRecord(ctx, TypeResult, phase, rec)
}

// Close marks the writer as closed and closes the file it owns, if any.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return nil
	}
	jw.closed = true
	if jw.c != nil {
		return jw.c.Close()
	}
	return nil
}

// writeRecord marshals data and writes a complete record line under the lock.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, phase string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		RunID: jw.runID,
		Phase: phase,
		Data:  dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteOutcome(context.Context, string, *OutcomeRecord) error { return nil }
func (discard) WriteSummary(context.Context, string, *SummaryRecord) error { return nil }
func (discard) WriteResult(context.Context, string, *ResultRecord) error   { return nil }
func (discard) Close() error                                               { return nil }

var _ Writer = (*JSONLWriter)(nil)
