package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for run results and metrics.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindSourceUnreachable ErrorKind = "SourceUnreachable"
	KindConnection        ErrorKind = "ConnectionError"
	KindUnsupportedFormat ErrorKind = "UnsupportedFormat"
	KindRangeInvalid      ErrorKind = "RangeInvalid"
	KindStagingWrite      ErrorKind = "StagingWriteError"
	KindLoad              ErrorKind = "LoadError"
	KindMerge             ErrorKind = "MergeError"
	KindCleanupWarning    ErrorKind = "CleanupWarning"
	KindCanceled          ErrorKind = "Canceled"
	KindInternal          ErrorKind = "InternalError"
)

// NeedsOperator reports whether retrying cannot help until configuration
// changes.
func (k ErrorKind) NeedsOperator() bool {
	switch k {
	case KindConfiguration, KindUnsupportedFormat, KindRangeInvalid:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error with the same kind and no underlying error, so
// errors.Is(err, &Error{Kind: KindLoad}) works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// E wraps err with a kind. A nil err still produces an error.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ErrDatasetLocationRequired is returned when a dataset must be created but the
// job has no location.
var ErrDatasetLocationRequired = &Error{Kind: KindConfiguration, Op: "ensure dataset", Err: errors.New("dataset location required")}

// KindOf returns the outermost classification of err. Unclassified errors are
// InternalError, context errors are Canceled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}
