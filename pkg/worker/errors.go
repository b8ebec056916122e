// Package worker drains the indexing job queue: it claims jobs with
// skip-locked semantics, runs the per-file ingest pipeline, classifies
// failures into transient retries or permanent skips, and keeps folder
// progress rolled up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/store"
)

// ErrorKind labels a failure for retry decisions and DLQ records.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindNotFound   ErrorKind = "not_found"
	KindPermanent  ErrorKind = "permanent"
	KindTransient  ErrorKind = "transient"
)

// Retryable reports whether a failure of this kind goes back to the queue.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

type classifiedError struct {
	kind ErrorKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// mark wraps an error with an explicit kind, overriding classification.
func mark(kind ErrorKind, format string, args ...any) error {
	return &classifiedError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Classify sorts an error into the retry taxonomy. Explicit marks win; drive
// sentinels map to their kinds; everything unrecognized is transient so an
// unknown failure mode never silently drops a file.
func Classify(err error) ErrorKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}

	switch {
	case errors.Is(err, drive.ErrPermissionDenied),
		errors.Is(err, drive.ErrUnauthorized):
		return KindAuth
	case errors.Is(err, drive.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, drive.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}
