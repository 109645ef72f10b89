package tracking

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Predicate selects tracking rows.
type Predicate func(job.Job) bool

// All matches every row.
func All() Predicate {
	return func(job.Job) bool { return true }
}

// ByStatus matches rows whose status is one of codes.
func ByStatus(codes ...status.Code) Predicate {
	set := make(map[status.Code]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(j job.Job) bool {
		_, ok := set[j.Status]
		return ok
	}
}

// Pending matches rows awaiting setup.
func Pending() Predicate { return ByStatus(status.Pending) }

// Runnable matches rows ready for execution.
func Runnable() Predicate {
	return func(j job.Job) bool { return status.IsRunnable(j.Status) }
}

// Succeeded matches rows whose model run succeeded and await parsing.
func Succeeded() Predicate { return ByStatus(status.Success) }

// Failed matches rows in an error state.
func Failed() Predicate {
	return func(j job.Job) bool { return status.IsError(j.Status) }
}

// MatchID matches rows whose simulation id matches any of the doublestar
// patterns. No patterns matches everything.
func MatchID(patterns ...string) (Predicate, error) {
	if len(patterns) == 0 {
		return All(), nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid id pattern %q", p)
		}
	}
	return func(j job.Job) bool {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, j.SimulationID); ok {
				return true
			}
		}
		return false
	}, nil
}

// And matches rows accepted by every predicate. Nil predicates are skipped.
func And(preds ...Predicate) Predicate {
	return func(j job.Job) bool {
		for _, p := range preds {
			if p != nil && !p(j) {
				return false
			}
		}
		return true
	}
}

// Filter returns the jobs pred accepts. A nil predicate keeps all of them.
func Filter(jobs []job.Job, pred Predicate) []job.Job {
	if pred == nil {
		return jobs
	}
	out := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		if pred(j) {
			out = append(out, j)
		}
	}
	return out
}
