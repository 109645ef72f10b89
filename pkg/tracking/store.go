// Package tracking persists the simulation tracking table.
//
// The table holds one row per job with its descriptive fields and lifecycle
// state. Two backends are provided: a CSV file (the default, readable by any
// tool) and a SQLite/libsql database. Both serialize writers so that several
// shard processes can update disjoint rows of the same table.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Backend names accepted by Open.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

var (
	// ErrStoreExists is returned by Initialize when a table already exists
	// and overwrite was not requested.
	ErrStoreExists = errors.New("tracking store already exists")

	// ErrStoreNotFound is returned when reading a table that was never initialized.
	ErrStoreNotFound = errors.New("tracking store not found")
)

// StoreError wraps a backend failure with the operation and location.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("tracking %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tracking %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ApplyResult reports what an ApplyUpdates call did.
type ApplyResult struct {
	// Applied is the number of rows changed.
	Applied int

	// Unmatched lists update ids with no row in the table.
	Unmatched []string
}

// Store is the tracking table.
//
// Implementations are safe for concurrent use, including by several
// processes sharing the same file or database.
type Store interface {
	// Initialize writes jobs as a fresh table, every row PENDING with
	// lifecycle fields cleared.
	Initialize(ctx context.Context, jobs []job.Job, overwrite bool) error

	// Exists reports whether the table has been initialized.
	Exists(ctx context.Context) (bool, error)

	// Load returns every row in matrix order.
	Load(ctx context.Context) ([]job.Job, error)

	// Select returns the rows matching pred, in matrix order.
	Select(ctx context.Context, pred Predicate) ([]job.Job, error)

	// ApplyUpdates merges updates into the table. Either every update is
	// persisted or none is.
	ApplyUpdates(ctx context.Context, updates []job.Update) (ApplyResult, error)

	// Location describes where the table lives, for messages.
	Location() string

	Close() error
}

// Config selects and locates a backend.
type Config struct {
	// Backend is BackendCSV or BackendSQLite. Empty means BackendCSV.
	Backend string

	// Path is a local file path.
	Path string

	// URL is a libsql URL (sqlite backend only).
	URL string

	// AuthToken is appended to URL-based DSNs.
	AuthToken string

	// Logger receives debug output. Nil means no logging.
	Logger *zap.Logger
}

// Open returns the store described by cfg. Opening never creates a table;
// call Initialize for that.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendCSV:
		if strings.TrimSpace(cfg.URL) != "" {
			return nil, &StoreError{Op: "open", Path: cfg.URL, Err: errors.New("csv backend requires a file path")}
		}
		return NewCSVStore(cfg.Path, cfg.Logger)
	case BackendSQLite:
		return OpenSQLStore(ctx, cfg)
	default:
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}

// indexUpdates validates updates and indexes them by simulation id. A later
// update for the same id replaces an earlier one.
func indexUpdates(updates []job.Update) (map[string]job.Update, []string, error) {
	byID := make(map[string]job.Update, len(updates))
	order := make([]string, 0, len(updates))
	for _, u := range updates {
		if u.SimulationID == "" {
			return nil, nil, errors.New("update without simulation_id")
		}
		if !status.Valid(u.Status) {
			return nil, nil, fmt.Errorf("update for %s: %w: %q", u.SimulationID, status.ErrUnknownStatus, u.Status)
		}
		if _, seen := byID[u.SimulationID]; !seen {
			order = append(order, u.SimulationID)
		}
		byID[u.SimulationID] = u
	}
	return byID, order, nil
}

func checkJobs(jobs []job.Job) error {
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.SimulationID == "" {
			return errors.New("job without simulation_id")
		}
		if _, dup := seen[j.SimulationID]; dup {
			return fmt.Errorf("duplicate simulation_id %q", j.SimulationID)
		}
		seen[j.SimulationID] = struct{}{}
	}
	return nil
}
