package callback

import (
	"context"
	"sync"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	shardCount             = 16
	DefaultCallbackTimeout = 10 * time.Second
)

var errForeignCallback = errors.New("pending callback was not created by this registry")

type outcome struct {
	msg domain.Message
	err error
}

type pendingCallback struct {
	jobID   domain.JobID
	done    chan struct{}
	result  outcome
	expires *time.Timer
}

func (p *pendingCallback) JobID() domain.JobID {
	return p.jobID
}

func (p *pendingCallback) Done() <-chan struct{} {
	return p.done
}

type shard struct {
	mu      sync.Mutex
	pending map[domain.JobID]*pendingCallback
}

type useCase struct {
	shards         [shardCount]*shard
	closed         *atomic.Bool
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// New creates a callback registry. Every registration expires after defaultTimeout even
// when nobody awaits it, so abandoned jobs never stay in the registry.
func New(defaultTimeout time.Duration, logger *zap.Logger) *useCase {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallbackTimeout
	}
	u := &useCase{
		closed:         atomic.NewBool(false),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
	for i := range u.shards {
		u.shards[i] = &shard{pending: make(map[domain.JobID]*pendingCallback)}
	}
	return u
}

func (u *useCase) shardFor(jobID domain.JobID) *shard {
	return u.shards[uint64(jobID)%shardCount]
}

func closedError(jobID domain.JobID) error {
	return &domain.CallbackError{
		JobID: jobID,
		Err:   errors.WithMessage(domain.ErrCallbackQueue, "registry is closed"),
	}
}

// Register reserves jobID. It must be called before the request carrying jobID is sent.
func (u *useCase) Register(jobID domain.JobID) (domain.PendingCallback, error) {
	if u.closed.Load() {
		return nil, closedError(jobID)
	}
	if !jobID.IsValid() {
		return nil, &domain.CallbackError{
			JobID: jobID,
			Err:   errors.WithMessage(domain.ErrCallbackQueue, "invalid job id"),
		}
	}
	p := &pendingCallback{
		jobID: jobID,
		done:  make(chan struct{}),
	}
	s := u.shardFor(jobID)
	s.mu.Lock()
	// Close marks the registry before sweeping the shards, so checking under the shard
	// lock means an inserted job is either swept by Close or registered after it finished.
	if u.closed.Load() {
		s.mu.Unlock()
		return nil, closedError(jobID)
	}
	if _, ok := s.pending[jobID]; ok {
		s.mu.Unlock()
		return nil, &domain.CallbackError{
			JobID: jobID,
			Err:   errors.WithMessage(domain.ErrCallbackQueue, "duplicate job id"),
		}
	}
	s.pending[jobID] = p
	p.expires = time.AfterFunc(u.defaultTimeout, func() {
		u.expire(jobID)
	})
	s.mu.Unlock()
	return p, nil
}

// take removes jobID from the registry. Only the caller that gets a non-nil result may
// resolve the callback.
func (u *useCase) take(jobID domain.JobID) *pendingCallback {
	s := u.shardFor(jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[jobID]
	if !ok {
		return nil
	}
	delete(s.pending, jobID)
	return p
}

func (u *useCase) resolve(jobID domain.JobID, o outcome) error {
	p := u.take(jobID)
	if p == nil {
		return &domain.CallbackError{JobID: jobID, Err: domain.ErrCallbackCompletion}
	}
	p.finish(o)
	return nil
}

func (p *pendingCallback) finish(o outcome) {
	if p.expires != nil {
		p.expires.Stop()
	}
	p.result = o
	close(p.done)
}

func (u *useCase) expire(jobID domain.JobID) {
	err := u.resolve(jobID, outcome{err: &domain.CallbackError{JobID: jobID, Err: domain.ErrCallbackTimeout}})
	if err == nil {
		u.logger.Debug("callback expired", zap.Uint64("job id", uint64(jobID)))
	}
}

// Complete delivers the reply for jobID.
func (u *useCase) Complete(jobID domain.JobID, msg domain.Message) error {
	return u.resolve(jobID, outcome{msg: msg})
}

// Fail delivers err to the caller waiting on jobID.
func (u *useCase) Fail(jobID domain.JobID, err error) error {
	return u.resolve(jobID, outcome{err: &domain.CallbackError{JobID: jobID, Err: err}})
}

// Await blocks until the job resolves, timeout elapses or ctx is done. A positive timeout
// replaces the registration deadline. Timeout and a racing completion resolve to exactly
// one outcome: whichever removes the job first.
func (u *useCase) Await(ctx context.Context, pending domain.PendingCallback,
	timeout time.Duration) (domain.Message, error) {
	p, ok := pending.(*pendingCallback)
	if !ok || p == nil {
		return domain.Message{}, errForeignCallback
	}
	select {
	case <-p.done:
		return p.result.msg, p.result.err
	default:
	}
	if timeout > 0 {
		p.expires.Reset(timeout)
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = u.resolve(p.jobID, outcome{err: &domain.CallbackError{
			JobID: p.jobID,
			Err:   errors.WithMessage(domain.ErrCallbackCancelled, ctx.Err().Error()),
		}})
		<-p.done
	}
	return p.result.msg, p.result.err
}

// Cancel resolves the job as cancelled. Cancelling an already resolved job fails with
// ErrCallbackCompletion.
func (u *useCase) Cancel(pending domain.PendingCallback) error {
	if pending == nil {
		return errForeignCallback
	}
	jobID := pending.JobID()
	return u.resolve(jobID, outcome{err: &domain.CallbackError{JobID: jobID, Err: domain.ErrCallbackCancelled}})
}

// Len returns the number of outstanding jobs.
func (u *useCase) Len() int {
	n := 0
	for _, s := range u.shards {
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

// FailAll fails every outstanding job with err and returns how many were failed.
// The registry keeps accepting new jobs.
func (u *useCase) FailAll(err error) int {
	failed := 0
	for _, s := range u.shards {
		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[domain.JobID]*pendingCallback)
		s.mu.Unlock()
		for jobID, p := range pending {
			p.finish(outcome{err: &domain.CallbackError{JobID: jobID, Err: err}})
			failed++
		}
	}
	return failed
}

// Close rejects further registrations and fails every outstanding job with
// ErrSessionClosed. It returns the number of jobs that were failed.
func (u *useCase) Close() int {
	u.closed.Store(true)
	failed := u.FailAll(domain.ErrSessionClosed)
	if failed > 0 {
		u.logger.Info("failed pending callbacks on close", zap.Int("count", failed))
	}
	return failed
}
