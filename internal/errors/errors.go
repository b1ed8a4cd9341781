package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Category classifies a pipeline failure. Only StoreUnavailable, Config and
// Internal stop a run; the rest are counted and the stage carries on.
type Category int

const (
	// MalformedRecord - input fragment unparseable or missing code/version
	MalformedRecord Category = iota
	// DuplicateIgnored - full attribute tuple already present
	DuplicateIgnored
	// DanglingReference - link endpoint not present in the graph
	DanglingReference
	// ExternalServiceFailure - embedding call failed after retries
	ExternalServiceFailure
	// StoreUnavailable - relational or graph store unreachable
	StoreUnavailable
	// Config - missing or invalid configuration
	Config
	// Internal - unexpected internal state
	Internal
)

// AllCategories lists every category in summary order.
var AllCategories = []Category{
	MalformedRecord, DuplicateIgnored, DanglingReference,
	ExternalServiceFailure, StoreUnavailable, Config, Internal,
}

func (c Category) String() string {
	switch c {
	case MalformedRecord:
		return "MalformedRecord"
	case DuplicateIgnored:
		return "DuplicateIgnored"
	case DanglingReference:
		return "DanglingReference"
	case ExternalServiceFailure:
		return "ExternalServiceFailure"
	case StoreUnavailable:
		return "StoreUnavailable"
	case Config:
		return "Config"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, bool) {
	for _, c := range AllCategories {
		if strings.EqualFold(c.String(), s) {
			return c, true
		}
	}
	return 0, false
}

// Fatal reports whether failures of this category abort the run.
func (c Category) Fatal() bool {
	return c == StoreUnavailable || c == Config || c == Internal
}

// Error is a categorized pipeline error.
type Error struct {
	Category Category
	Message  string
	Cause    error
	Context  map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is matches any *Error of the same category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

// IsFatal returns true if this error should stop execution
func (e *Error) IsFatal() bool {
	return e.Category.Fatal()
}

// DetailedString returns the message with its category and context.
func (e *Error) DetailedString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", e.Category, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&sb, "Caused by: %v\n", e.Cause)
	}
	if len(e.Context) > 0 {
		sb.WriteString("Context:\n")
		for k, v := range e.Context {
			fmt.Fprintf(&sb, "  %s: %v\n", k, v)
		}
	}
	return sb.String()
}

// New creates a new error of the given category.
func New(c Category, message string) *Error {
	return &Error{Category: c, Message: message}
}

// Wrap wraps err with a category and message. Returns nil for a nil err.
func Wrap(err error, c Category, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Message: message, Cause: err}
}

// Malformed creates a MalformedRecord error
func Malformed(format string, args ...interface{}) *Error {
	return New(MalformedRecord, fmt.Sprintf(format, args...))
}

// Dangling creates a DanglingReference error
func Dangling(format string, args ...interface{}) *Error {
	return New(DanglingReference, fmt.Sprintf(format, args...))
}

// External wraps an embedding or other external service failure
func External(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ExternalServiceFailure, fmt.Sprintf(format, args...))
}

// Unavailable wraps a relational or graph store failure
func Unavailable(err error, format string, args ...interface{}) *Error {
	return Wrap(err, StoreUnavailable, fmt.Sprintf(format, args...))
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(format string, args ...interface{}) *Error {
	return New(Config, fmt.Sprintf(format, args...))
}

// InternalErrorf creates an internal error with formatting
func InternalErrorf(format string, args ...interface{}) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// IsFatal checks if an error anywhere in the chain is fatal.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// CategoryOf returns the category of the first *Error in the chain.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category, true
	}
	return 0, false
}

// Is reports whether err carries category c.
func Is(err error, c Category) bool {
	got, ok := CategoryOf(err)
	return ok && got == c
}
