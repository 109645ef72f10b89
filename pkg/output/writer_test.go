package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriter_WriteOutcome(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteOutcome(context.Background(), "run", &OutcomeRecord{
		SimulationID: "L1_dssat_M_s_20200501",
		Status:       "TIMEOUT",
		Message:      "model run exceeded 1h0m0s",
		ElapsedSec:   3600.004,
		Shard:        "2/3",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeOutcome, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "run", record.Phase)
	assert.False(t, record.TS.IsZero())

	var data OutcomeRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "L1_dssat_M_s_20200501", data.SimulationID)
	assert.Equal(t, "TIMEOUT", data.Status)
	assert.Equal(t, "2/3", data.Shard)
	assert.InDelta(t, 3600.004, data.ElapsedSec, 1e-9)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteSummary(context.Background(), "setup", &SummaryRecord{
		Total:         3,
		ByStatus:      map[string]int{"READY_TO_RUN": 2, "SETUP_ERROR": 1},
		ByCategory:    map[string]int{"runnable": 2, "error": 1},
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeSummary, record.Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, float64(3), data["total"])
	assert.Equal(t, float64(1500*time.Millisecond), data["duration_ns"])
	assert.NotContains(t, data, "error")
	assert.NotContains(t, data, "unmatched")
}

func TestJSONLWriter_WriteResult(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteResult(context.Background(), "parse", &ResultRecord{
		SimulationID: "a",
		CropModel:    "dssat",
		Outputs:      map[string]any{"yield_kg_ha": 5123.0},
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeResult, record.Type)

	var data ResultRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 5123.0, data.Outputs["yield_kg_ha"])
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteOutcome(context.Background(), "run", &OutcomeRecord{SimulationID: "x"}))
	}
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err := w.WriteOutcome(context.Background(), "run", &OutcomeRecord{SimulationID: "x"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteOutcome(context.Background(), "run", &OutcomeRecord{SimulationID: "sim", Status: "SUCCESS"})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteOutcome(ctx, "run", &OutcomeRecord{SimulationID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123")

	err := w.WriteOutcome(context.Background(), "run", &OutcomeRecord{SimulationID: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123")

	require.NoError(t, w.WriteResult(context.Background(), "parse", &ResultRecord{SimulationID: "L1_dssat_M_s_20200501"}))

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeResult, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run-123")
	err := w.WriteOutcome(context.Background(), "run", &OutcomeRecord{SimulationID: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestOpenJSONLFile_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "parsed.jsonl")

	for i := 0; i < 2; i++ {
		w, err := OpenJSONLFile(path, "run")
		require.NoError(t, err)
		require.NoError(t, w.WriteResult(context.Background(), "parse", &ResultRecord{SimulationID: "x"}))
		require.NoError(t, w.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.WriteOutcome(context.Background(), "run", &OutcomeRecord{}))
	assert.NoError(t, Discard.Close())
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
