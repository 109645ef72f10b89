package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// SchemaVersion is the tracking database schema version.
const SchemaVersion = 1

// SQLStore keeps the tracking table in a SQLite or libsql database.
// Every ApplyUpdates call runs in one transaction.
type SQLStore struct {
	db       *sql.DB
	location string
	log      *zap.Logger
}

// OpenSQLStore opens the database described by cfg and ensures the schema.
func OpenSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	location := strings.TrimSpace(cfg.URL)
	if location == "" {
		location = strings.TrimSpace(cfg.Path)
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: location, Err: err}
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: location, Err: err}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "migrate", Path: location, Err: err}
	}
	return &SQLStore{db: db, location: location, log: log}, nil
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("tracking store path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "libsql:") {
		return addAuthToken(path, cfg.AuthToken)
	}
	if strings.HasPrefix(path, "file:") {
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared experiment directories use 0755
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}
	if dsn == ":memory:" {
		// A second connection would see a different empty database.
		db.SetMaxOpenConns(1)
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Single connection plus WAL keeps lock contention between shard
	// processes down to the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			initialized_at TEXT
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER NOT NULL,
			simulation_id TEXT PRIMARY KEY,
			location_id TEXT NOT NULL,
			crop_model TEXT NOT NULL,
			climate_source TEXT NOT NULL,
			climate_model TEXT NOT NULL,
			scenario TEXT NOT NULL,
			sowing_date TEXT NOT NULL,
			soil_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			-- durations are seconds
			setup_time REAL,
			run_time REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_seq ON jobs(seq);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Location() string { return s.location }

// DB exposes the underlying handle for ad-hoc queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Exists(ctx context.Context) (bool, error) {
	var initializedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT initialized_at FROM schema_meta WHERE id = 1`).Scan(&initializedAt)
	if err != nil {
		return false, &StoreError{Op: "stat", Path: s.location, Err: err}
	}
	return initializedAt.Valid, nil
}

func (s *SQLStore) Initialize(ctx context.Context, jobs []job.Job, overwrite bool) error {
	if err := checkJobs(jobs); err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	var initializedAt sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT initialized_at FROM schema_meta WHERE id = 1`).Scan(&initializedAt); err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}
	if initializedAt.Valid && !overwrite {
		return &StoreError{Op: "initialize", Path: s.location, Err: ErrStoreExists}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (
		seq, simulation_id, location_id, crop_model, climate_source, climate_model,
		scenario, sowing_date, soil_id, status, message, setup_time, run_time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, NULL)`)
	if err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}
	defer func() { _ = stmt.Close() }()

	for i, j := range jobs {
		if _, err := stmt.ExecContext(ctx, i, j.SimulationID, j.LocationID, j.CropModel, j.ClimateSource,
			j.ClimateModel, j.Scenario, j.SowingDate, j.SoilID, string(status.Pending)); err != nil {
			return &StoreError{Op: "initialize", Path: s.location, Err: fmt.Errorf("insert %s: %w", j.SimulationID, err)}
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET initialized_at = ? WHERE id = 1`, now); err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "initialize", Path: s.location, Err: err}
	}
	s.log.Debug("tracking table initialized", zap.String("store", s.location), zap.Int("jobs", len(jobs)))
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]job.Job, error) {
	exists, err := s.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &StoreError{Op: "load", Path: s.location, Err: ErrStoreNotFound}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT
		simulation_id, location_id, crop_model, climate_source, climate_model,
		scenario, sowing_date, soil_id, status, message, setup_time, run_time
	FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, &StoreError{Op: "load", Path: s.location, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var jobs []job.Job
	for rows.Next() {
		var (
			j          job.Job
			code       string
			setup, run sql.NullFloat64
		)
		if err := rows.Scan(&j.SimulationID, &j.LocationID, &j.CropModel, &j.ClimateSource, &j.ClimateModel,
			&j.Scenario, &j.SowingDate, &j.SoilID, &code, &j.Message, &setup, &run); err != nil {
			return nil, &StoreError{Op: "load", Path: s.location, Err: err}
		}
		if j.Status, err = status.Parse(code); err != nil {
			return nil, &StoreError{Op: "load", Path: s.location, Err: fmt.Errorf("%s: %w", j.SimulationID, err)}
		}
		j.SetupTime = nullDuration(setup)
		j.RunTime = nullDuration(run)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "load", Path: s.location, Err: err}
	}
	return jobs, nil
}

func (s *SQLStore) Select(ctx context.Context, pred Predicate) ([]job.Job, error) {
	jobs, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Filter(jobs, pred), nil
}

func (s *SQLStore) ApplyUpdates(ctx context.Context, updates []job.Update) (ApplyResult, error) {
	var res ApplyResult
	if len(updates) == 0 {
		return res, nil
	}
	byID, order, err := indexUpdates(updates)
	if err != nil {
		return res, &StoreError{Op: "update", Path: s.location, Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, &StoreError{Op: "update", Path: s.location, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range order {
		u := byID[id]
		var (
			result sql.Result
			err    error
		)
		secs := u.Duration.Seconds()
		switch u.Phase {
		case job.PhaseSetup:
			result, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, message = ?, setup_time = ? WHERE simulation_id = ?`,
				string(u.Status), u.Message, secs, id)
		case job.PhaseRun:
			result, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, message = ?, run_time = ? WHERE simulation_id = ?`,
				string(u.Status), u.Message, secs, id)
		default:
			result, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ?, message = ? WHERE simulation_id = ?`,
				string(u.Status), u.Message, id)
		}
		if err != nil {
			return ApplyResult{}, &StoreError{Op: "update", Path: s.location, Err: fmt.Errorf("%s: %w", id, err)}
		}
		n, err := result.RowsAffected()
		if err != nil {
			return ApplyResult{}, &StoreError{Op: "update", Path: s.location, Err: err}
		}
		if n == 0 {
			res.Unmatched = append(res.Unmatched, id)
			continue
		}
		res.Applied++
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, &StoreError{Op: "update", Path: s.location, Err: err}
	}
	s.log.Debug("tracking updates applied",
		zap.String("store", s.location),
		zap.Int("applied", res.Applied),
		zap.Int("unmatched", len(res.Unmatched)))
	return res, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullDuration(v sql.NullFloat64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := secondsToDuration(v.Float64)
	return &d
}
