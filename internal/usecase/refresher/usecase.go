package refresher

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Refresher is the part of the server pool that can pull a fresh list from the directory.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type useCase struct {
	pool     Refresher
	period   time.Duration
	failures *atomic.Uint64
	logger   *zap.Logger
}

func New(pool Refresher, period time.Duration, logger *zap.Logger) *useCase {
	return &useCase{
		pool:     pool,
		period:   period,
		failures: atomic.NewUint64(0),
		logger:   logger,
	}
}

// Run refreshes the server list every period until ctx is done. Failed refreshes are logged
// and the pool keeps serving the previous list.
func (u *useCase) Run(ctx context.Context) error {
	if u.period <= 0 {
		return nil
	}
	ticker := time.NewTicker(u.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.logger.Info("starting server list refresh...")
			if err := u.pool.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				u.failures.Inc()
				u.logger.Warn(err.Error())
			}
		}
	}
}

// Failures returns how many refreshes failed so far.
func (u *useCase) Failures() uint64 {
	return u.failures.Load()
}
