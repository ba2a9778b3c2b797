// Package vision talks to the external object and face detector. The
// detector itself is opaque: a worker process or an HTTP backend that takes a
// frame and returns the objects and people it found.
package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/aura/internal/scene"
)

var (
	// ErrTimeout reports that the detector did not answer within the
	// caller's deadline.
	ErrTimeout = errors.New("vision: detector timed out")
	// ErrCanceled reports that the caller gave up before the detector
	// answered.
	ErrCanceled = errors.New("vision: detection canceled")
	// ErrWorkerFailed covers a worker that could not be started, exited
	// non-zero, or answered with an error status.
	ErrWorkerFailed = errors.New("vision: detector failed")
	// ErrMalformedResult reports output that could not be understood.
	ErrMalformedResult = errors.New("vision: malformed detector result")
)

// Result is one detection. Entities may already carry a distance when the
// worker was told one; the coordinator overwrites it during fusion.
type Result struct {
	Context        string
	Objects        []scene.Entity
	People         []scene.Entity
	AnnotatedImage string
	Timestamp      time.Time
}

// Detector runs detection on the frame named by imageRef. fallbackDistance
// is passed through to workers that annotate their own output.
// Implementations must return promptly once ctx is done.
type Detector interface {
	Detect(ctx context.Context, imageRef string, fallbackDistance float64) (Result, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, imageRef string, fallbackDistance float64) (Result, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, imageRef string, fallbackDistance float64) (Result, error) {
	return f(ctx, imageRef, fallbackDistance)
}

// DetectError is the typed failure returned by detectors. Kind is one of the
// package sentinels; Cause is the underlying error, if any.
type DetectError struct {
	ImageRef string
	Kind     error
	Cause    error
}

func (e *DetectError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v (image %q)", e.Kind, e.ImageRef)
	}
	return fmt.Sprintf("%v (image %q): %v", e.Kind, e.ImageRef, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *DetectError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newDetectError(imageRef string, kind, cause error) *DetectError {
	return &DetectError{ImageRef: imageRef, Kind: kind, Cause: cause}
}

// ContextError converts a finished context into the matching typed error.
// It returns nil while ctx is still live.
func ContextError(ctx context.Context, imageRef string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return newDetectError(imageRef, ErrTimeout, ctx.Err())
	default:
		return newDetectError(imageRef, ErrCanceled, ctx.Err())
	}
}
