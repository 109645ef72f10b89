package experiment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration is the sentinel every configuration failure wraps.
	// Configuration errors are raised before any job is touched.
	ErrConfiguration = errors.New("invalid experiment configuration")

	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("experiment schema not found")
)

// ConfigurationError describes a semantic problem with one configuration field.
type ConfigurationError struct {
	// Field is the dotted key of the offending setting, e.g. "paths.locations_file".
	Field string

	// Message describes the problem.
	Message string

	// Err is an optional underlying cause.
	Err error
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

func configErrorf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidationError represents a single schema validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/climate/models_to_run").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of schema validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "experiment validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns ErrConfiguration so schema failures classify like semantic ones.
func (e ValidationErrors) Unwrap() error {
	return ErrConfiguration
}
