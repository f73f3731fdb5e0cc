package refresher

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type countingPool struct {
	calls *atomic.Int32
	err   error
}

func (p countingPool) Refresh(_ context.Context) error {
	p.calls.Inc()
	return p.err
}

func TestRun_RefreshesPeriodically(t *testing.T) {
	pool := countingPool{calls: atomic.NewInt32(0), err: errors.New("directory unavailable")}
	u := New(pool, 5*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- u.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return pool.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, u.Failures(), uint64(2))
}

func TestRun_DisabledPeriod(t *testing.T) {
	pool := countingPool{calls: atomic.NewInt32(0)}
	u := New(pool, 0, zaptest.NewLogger(t))
	assert.NoError(t, u.Run(context.Background()))
	assert.Zero(t, pool.calls.Load())
}
