package status

// Category groups codes for summary reporting.
type Category string

const (
	CategoryPending  Category = "pending"
	CategoryRunnable Category = "runnable"
	CategoryRunning  Category = "running"
	CategorySuccess  Category = "success"
	CategoryError    Category = "error"
	CategorySkipped  Category = "skipped"
)

// Categories lists the summary categories in reporting order.
func Categories() []Category {
	return []Category{
		CategoryPending,
		CategoryRunnable,
		CategoryRunning,
		CategorySuccess,
		CategoryError,
		CategorySkipped,
	}
}

// CategoryOf returns the summary category of c.
func CategoryOf(c Code) Category {
	switch {
	case IsSuccess(c):
		return CategorySuccess
	case IsError(c):
		return CategoryError
	case IsRunnable(c):
		return CategoryRunnable
	case c == Running:
		return CategoryRunning
	case c == Skipped:
		return CategorySkipped
	default:
		return CategoryPending
	}
}

var runOutcomes = []Code{Running, Success, RunError, Timeout, UnknownError, MissingFiles}

// transitions holds the edges each phase is allowed to drive.
var transitions = map[Code]map[Code]struct{}{
	Pending:    setOf(ReadyToRun, SetupError, ConfigError, Skipped),
	ReadyToRun: setOf(runOutcomes...),
	Running:    setOf(runOutcomes[1:]...),
	Success:    setOf(OutputParsed, OutputError, MissingFiles),
}

// CanTransition reports whether a phase may move a job from one state to
// another. Re-applying the current state is always allowed.
func CanTransition(from, to Code) bool {
	if from == to {
		return Valid(from)
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
