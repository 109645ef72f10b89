// Package status defines the lifecycle states a simulation job moves through
// and the classification predicates the scheduler and tracking store use.
//
// Code values are persisted by name in the tracking table and are part of the
// stable on-disk contract shared with other tools reading the table.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the lifecycle state of a simulation job.
type Code string

const (
	Pending      Code = "PENDING"
	ConfigError  Code = "CONFIG_ERROR"
	SetupError   Code = "SETUP_ERROR"
	ReadyToRun   Code = "READY_TO_RUN"
	Running      Code = "RUNNING"
	Success      Code = "SUCCESS"
	RunError     Code = "RUN_ERROR"
	Timeout      Code = "TIMEOUT"
	MissingFiles Code = "MISSING_FILES"
	OutputParsed Code = "OUTPUT_PARSED"
	OutputError  Code = "OUTPUT_ERROR"
	Skipped      Code = "SKIPPED"
	UnknownError Code = "UNKNOWN_ERROR"
)

// ErrUnknownStatus is returned by Parse for names outside the closed set.
var ErrUnknownStatus = errors.New("unknown status")

// all lists every code in declaration order.
var all = []Code{
	Pending,
	ConfigError,
	SetupError,
	ReadyToRun,
	Running,
	Success,
	RunError,
	Timeout,
	MissingFiles,
	OutputParsed,
	OutputError,
	Skipped,
	UnknownError,
}

var descriptions = map[Code]string{
	Pending:      "Simulation task created but not yet processed",
	ConfigError:  "Configuration error (e.g., missing paths, invalid parameters)",
	SetupError:   "Error during input file generation",
	ReadyToRun:   "Input files generated successfully, ready for execution",
	Running:      "Simulation is currently executing",
	Success:      "Simulation completed successfully",
	RunError:     "Error during simulation execution",
	Timeout:      "Simulation exceeded time limit",
	MissingFiles: "Required input/output files not found",
	OutputParsed: "Model outputs successfully parsed and standardized",
	OutputError:  "Error during output parsing",
	Skipped:      "Simulation skipped (e.g., due to dependencies or filters)",
	UnknownError: "Unspecified error occurred",
}

// Classification sets. These are the source of truth for the predicates
// below; scheduling code never lists states itself.
var (
	errorSet = setOf(ConfigError, SetupError, RunError, Timeout, MissingFiles, OutputError, UnknownError)

	finalSet = setOf(Success, ConfigError, SetupError, RunError, Timeout, MissingFiles,
		OutputParsed, OutputError, Skipped, UnknownError)

	successSet = setOf(Success, OutputParsed)

	runnableSet = setOf(ReadyToRun)
)

func setOf(codes ...Code) map[Code]struct{} {
	m := make(map[Code]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

// All returns every code in declaration order.
func All() []Code {
	out := make([]Code, len(all))
	copy(out, all)
	return out
}

// Valid reports whether c is one of the known codes.
func Valid(c Code) bool {
	_, ok := descriptions[c]
	return ok
}

// Parse converts a persisted status name into a Code.
//
// Surrounding whitespace is ignored and matching is case-insensitive so
// tables edited by hand still load.
func Parse(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if !Valid(c) {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return c, nil
}

// String implements fmt.Stringer.
func (c Code) String() string {
	return string(c)
}

// Description returns the human-readable meaning of c.
func Description(c Code) string {
	return descriptions[c]
}

// IsError reports whether c is an error state.
func IsError(c Code) bool {
	_, ok := errorSet[c]
	return ok
}

// IsFinal reports whether c is terminal (success or failure).
func IsFinal(c Code) bool {
	_, ok := finalSet[c]
	return ok
}

// IsSuccess reports whether c represents successful completion.
func IsSuccess(c Code) bool {
	_, ok := successSet[c]
	return ok
}

// IsRunnable reports whether a job in state c can be executed.
func IsRunnable(c Code) bool {
	_, ok := runnableSet[c]
	return ok
}

// ErrorStates returns every error code in declaration order.
func ErrorStates() []Code { return filter(IsError) }

// FinalStates returns every terminal code in declaration order.
func FinalStates() []Code { return filter(IsFinal) }

// RunnableStates returns every runnable code in declaration order.
func RunnableStates() []Code { return filter(IsRunnable) }

func filter(pred func(Code) bool) []Code {
	var out []Code
	for _, c := range all {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
