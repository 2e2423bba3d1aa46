// Package billing accumulates per-dimension usage and reports it to an
// external metering service on a fixed cadence, tracking whether metering is
// healthy while the service is unreachable.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering-agent/pkg/models"
)

var (
	// ErrUnknownDimension is returned when usage references a dimension that
	// was not configured at startup.
	ErrUnknownDimension = errors.New("unknown dimension")

	// ErrInvalidQuantity is returned for non-positive usage deltas.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrNotReady is returned by Start when startup validation has not
	// succeeded.
	ErrNotReady = errors.New("metering engine not initialized")
)

// DimensionStore persists one counter per dimension name.
//
// Implementations must make Increment atomic per dimension under concurrent
// callers. ResetAfterFlush subtracts the flushed quantity rather than zeroing
// it, so increments that land between a read and the reset are kept.
type DimensionStore interface {
	EnsureDimensions(ctx context.Context, names []string, purge bool, at time.Time) error
	ListDimensions(ctx context.Context) ([]models.Dimension, error)
	Increment(ctx context.Context, name string, delta int64) error
	ResetAfterFlush(ctx context.Context, name string, flushed int64, at time.Time) error
	MaxLastFlushedAt(ctx context.Context) (int64, error)
	Close() error
}

// Usage is one report for a dimension.
type Usage struct {
	Dimension string
	Quantity  int64
	Timestamp time.Time
}

// Submitter reports usage to the metering service. With validateOnly the call
// must not have any side effect on the remote service. It returns the remote
// record id when the service provides one.
//
// Known service failures are returned as *ServiceError; anything else is
// treated as unanticipated.
type Submitter interface {
	Submit(ctx context.Context, usage Usage, validateOnly bool) (string, error)
}

// ServiceError is a failure reported by the metering service itself.
type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Result is the outcome of reporting one dimension.
type Result struct {
	Dimension string `json:"dimension"`
	Quantity  int64  `json:"quantity"`
	Success   bool   `json:"success"`
	Skipped   bool   `json:"skipped,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// dimensionTag marks a detail as belonging to one dimension so a later
// success for that dimension can clear it.
func dimensionTag(name string) string {
	return "[usageDimension: " + name + "]"
}

// failureDetail renders err as a state detail for the given dimension.
func failureDetail(dimension string, err error) (code, message, detail string) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		code, message = svcErr.Code, svcErr.Message
		detail = svcErr.Error()
	} else {
		message = err.Error()
		detail = message
	}
	if dimension != "" {
		detail = detail + " " + dimensionTag(dimension)
	}
	return code, message, detail
}
