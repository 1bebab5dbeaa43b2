package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Delivery failure kinds. Every kind leaves the record queued for the next cycle.
var (
	ErrNetworkUnreachable = errors.New("ingestion service unreachable")
	ErrRemoteRejected     = errors.New("ingestion service rejected the record")
	ErrRemoteUnavailable  = errors.New("ingestion service temporarily unavailable")
	ErrTimeout            = errors.New("delivery timed out")
)

// SyncError describes why one record could not be delivered
type SyncError struct {
	Kind       error
	RecordID   string
	StatusCode int // set for HTTP responses
	Err        error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s (id=%s)", e.Kind.Error(), e.RecordID)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify maps an arbitrary send error onto a failure kind
func Classify(err error) error {
	var se *SyncError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrNetworkUnreachable
}

func syncErr(kind error, id string, status int, err error) error {
	return &SyncError{Kind: kind, RecordID: id, StatusCode: status, Err: err}
}
