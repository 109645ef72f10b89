package pipeline

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/output"
	"github.com/3leaps/cropgrid/pkg/status"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

// Summary reports what one phase did.
type Summary struct {
	Phase string

	// Selected is the number of jobs the phase picked up.
	Selected int

	// Counts tallies the statuses the phase recorded.
	Counts tracking.Counts

	// Unmatched counts updates whose job vanished from the table.
	Unmatched int

	// Rejected counts outcomes dropped as illegal transitions.
	Rejected int

	Elapsed time.Duration

	// Err is the phase-level error, if the phase stopped early.
	Err error
}

func newSummary(step Step) Summary {
	return Summary{Phase: string(step), Counts: tracking.NewCounts()}
}

// Failed returns the number of jobs that ended in an error state.
func (s Summary) Failed() int { return s.Counts.Failed() }

// OK reports whether the phase completed and no job failed.
func (s Summary) OK() bool { return s.Err == nil && s.Failed() == 0 }

// Record converts s to its event payload.
func (s Summary) Record() *output.SummaryRecord {
	rec := &output.SummaryRecord{
		Total:         s.Counts.Total,
		ByStatus:      map[string]int{},
		ByCategory:    map[string]int{},
		Unmatched:     s.Unmatched,
		Duration:      s.Elapsed,
		DurationHuman: s.Elapsed.Round(time.Millisecond).String(),
	}
	for code, n := range s.Counts.ByStatus {
		rec.ByStatus[string(code)] = n
	}
	for cat, n := range s.Counts.ByCategory {
		rec.ByCategory[string(cat)] = n
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}

func (s Summary) log(log *zap.Logger) {
	fields := []zap.Field{
		zap.String("phase", s.Phase),
		zap.Int("selected", s.Selected),
		zap.Int("recorded", s.Counts.Total),
		zap.Int("succeeded", s.Counts.Succeeded()),
		zap.Int("failed", s.Failed()),
		zap.Duration("elapsed", s.Elapsed.Round(time.Millisecond)),
	}
	codes := make([]string, 0, len(s.Counts.ByStatus))
	for code := range s.Counts.ByStatus {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		fields = append(fields, zap.Int(code, s.Counts.ByStatus[status.Code(code)]))
	}
	if s.Unmatched > 0 {
		fields = append(fields, zap.Int("unmatched", s.Unmatched))
	}
	if s.Rejected > 0 {
		fields = append(fields, zap.Int("rejected", s.Rejected))
	}

	switch {
	case s.Err != nil:
		log.Error("phase stopped", append(fields, zap.Error(s.Err))...)
	case s.Failed() > 0:
		log.Warn("phase finished with failures", fields...)
	default:
		log.Info("phase finished", fields...)
	}
}
