package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/job"
)

// CSVStore keeps the tracking table in a single CSV file.
//
// Writers take an exclusive lock on <path>.lock, re-read the table, merge,
// and replace the file through a temp file and rename. Readers never see a
// partially written table.
type CSVStore struct {
	path string
	log  *zap.Logger
}

// NewCSVStore returns a store for the table at path. The file need not exist.
func NewCSVStore(path string, log *zap.Logger) (*CSVStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &StoreError{Op: "open", Err: errors.New("tracking store path is empty")}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CSVStore{path: filepath.Clean(path), log: log}, nil
}

func (s *CSVStore) Location() string { return s.path }

func (s *CSVStore) lockPath() string { return s.path + ".lock" }

func (s *CSVStore) Exists(context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &StoreError{Op: "stat", Path: s.path, Err: err}
}

func (s *CSVStore) Initialize(ctx context.Context, jobs []job.Job, overwrite bool) error {
	if err := checkJobs(jobs); err != nil {
		return &StoreError{Op: "initialize", Path: s.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &StoreError{Op: "initialize", Path: s.path, Err: fmt.Errorf("create store dir: %w", err)}
	}

	release, err := lockFile(ctx, s.lockPath())
	if err != nil {
		return &StoreError{Op: "lock", Path: s.lockPath(), Err: err}
	}
	defer func() { _ = release() }()

	exists, err := s.Exists(ctx)
	if err != nil {
		return err
	}
	if exists && !overwrite {
		return &StoreError{Op: "initialize", Path: s.path, Err: ErrStoreExists}
	}

	rows := make([]job.Job, len(jobs))
	for i, j := range jobs {
		rows[i] = j.Reset()
	}
	if err := s.write(rows); err != nil {
		return &StoreError{Op: "initialize", Path: s.path, Err: err}
	}
	s.log.Debug("tracking table initialized", zap.String("path", s.path), zap.Int("jobs", len(rows)))
	return nil
}

func (s *CSVStore) Load(ctx context.Context) ([]job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs, err := s.read()
	if err != nil {
		return nil, &StoreError{Op: "load", Path: s.path, Err: err}
	}
	return jobs, nil
}

func (s *CSVStore) Select(ctx context.Context, pred Predicate) ([]job.Job, error) {
	jobs, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(jobs, pred), nil
}

func (s *CSVStore) ApplyUpdates(ctx context.Context, updates []job.Update) (ApplyResult, error) {
	var res ApplyResult
	if len(updates) == 0 {
		return res, nil
	}
	byID, order, err := indexUpdates(updates)
	if err != nil {
		return res, &StoreError{Op: "update", Path: s.path, Err: err}
	}

	release, err := lockFile(ctx, s.lockPath())
	if err != nil {
		return res, &StoreError{Op: "lock", Path: s.lockPath(), Err: err}
	}
	defer func() { _ = release() }()

	jobs, err := s.read()
	if err != nil {
		return res, &StoreError{Op: "update", Path: s.path, Err: err}
	}

	matched := make(map[string]struct{}, len(byID))
	for i := range jobs {
		if u, ok := byID[jobs[i].SimulationID]; ok {
			u.Apply(&jobs[i])
			matched[u.SimulationID] = struct{}{}
		}
	}
	for _, id := range order {
		if _, ok := matched[id]; !ok {
			res.Unmatched = append(res.Unmatched, id)
		}
	}
	res.Applied = len(matched)
	if res.Applied == 0 {
		return res, nil
	}

	if err := s.write(jobs); err != nil {
		return ApplyResult{}, &StoreError{Op: "update", Path: s.path, Err: err}
	}
	s.log.Debug("tracking updates applied",
		zap.String("path", s.path),
		zap.Int("applied", res.Applied),
		zap.Int("unmatched", len(res.Unmatched)))
	return res, nil
}

func (s *CSVStore) Close() error { return nil }

func (s *CSVStore) read() ([]job.Job, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}

// write replaces the table atomically.
func (s *CSVStore) write(jobs []job.Job) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, jobs); err != nil {
		return fmt.Errorf("encode table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp table: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp table: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename table: %w", err)
	}
	return nil
}
