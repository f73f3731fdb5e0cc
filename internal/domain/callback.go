package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCallbackTimeout is the expected outcome of a reply that did not arrive in time.
	ErrCallbackTimeout = errors.New("callback timed out")
	// ErrCallbackQueue means the job could not be registered: duplicate id or closed registry.
	ErrCallbackQueue = errors.New("callback queue rejected job")
	// ErrCallbackCompletion means a completion referenced an unknown or already resolved job.
	ErrCallbackCompletion = errors.New("callback completion for unknown job")
	ErrCallbackCancelled  = errors.New("callback cancelled")
	ErrSessionClosed      = errors.New("session closed")
)

// CallbackError binds a callback failure to the job it belongs to.
type CallbackError struct {
	JobID JobID
	Err   error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("job %d: %v", uint64(e.JobID), e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Cause keeps pkg/errors.Cause working through the wrapper.
func (e *CallbackError) Cause() error {
	return e.Err
}

// IsCallbackTimeout reports whether err is the recoverable timeout outcome.
func IsCallbackTimeout(err error) bool {
	return errors.Is(err, ErrCallbackTimeout)
}

// PendingCallback is the handle returned by a registration.
type PendingCallback interface {
	JobID() JobID
	Done() <-chan struct{}
}

// CallbackRegistry correlates job ids with their replies.
type CallbackRegistry interface {
	Register(jobID JobID) (PendingCallback, error)
	Complete(jobID JobID, msg Message) error
	Fail(jobID JobID, err error) error
	Await(ctx context.Context, pending PendingCallback, timeout time.Duration) (Message, error)
	Cancel(pending PendingCallback) error
	FailAll(err error) int
	Close() int
}

// JobIDGenerator hands out job ids that are unique for the process lifetime.
type JobIDGenerator interface {
	Next() JobID
}
