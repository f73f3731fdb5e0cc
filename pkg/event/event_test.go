package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type countingHandler struct {
	calls *atomic.Int64
}

func (h *countingHandler) HandleEvent(_ any, args int) {
	h.calls.Add(int64(args))
}

func TestEvent_HandleEventInvokesAll(t *testing.T) {
	e := New[int]("test", zaptest.NewLogger(t))
	calls := atomic.NewInt64(0)
	const n = 5
	for i := 0; i < n; i++ {
		e.AddEventHandler(&countingHandler{calls: calls})
	}

	failed := e.HandleEvent(nil, 1)

	assert.Zero(t, failed)
	assert.Equal(t, int64(n), calls.Load())
}

func TestEvent_DuplicateHandlerSuppressed(t *testing.T) {
	e := New[int]("test", nil)
	calls := atomic.NewInt64(0)
	h := &countingHandler{calls: calls}
	e.AddEventHandler(h)
	e.AddEventHandler(h)

	e.HandleEvent(nil, 1)

	assert.Equal(t, 1, e.Len())
	assert.Equal(t, int64(1), calls.Load())
}

func TestEvent_RemovedHandlerNotInvoked(t *testing.T) {
	e := New[string]("test", nil)
	var got []string
	kept := HandlerFunc(func(_ any, args string) { got = append(got, "kept:"+args) })
	removed := HandlerFunc(func(_ any, args string) { got = append(got, "removed:"+args) })
	e.AddEventHandler(kept)
	e.AddEventHandler(removed)
	e.RemoveEventHandler(removed)

	e.HandleEvent(nil, "a")

	assert.Equal(t, []string{"kept:a"}, got)
}

func TestEvent_PanickingHandlerIsolated(t *testing.T) {
	e := New[int]("test", zaptest.NewLogger(t))
	calls := atomic.NewInt64(0)
	e.AddEventHandler(HandlerFunc(func(any, int) { panic("boom") }))
	e.AddEventHandler(&countingHandler{calls: calls})
	e.AddEventHandler(&countingHandler{calls: calls})

	failed := e.HandleEvent("sender", 1)

	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEvent_SenderPassedThrough(t *testing.T) {
	e := New[int]("test", nil)
	var sender any
	e.AddEventHandler(HandlerFunc(func(s any, _ int) { sender = s }))

	e.HandleEvent("session-1", 0)

	require.Equal(t, "session-1", sender)
}

func TestEvent_ConcurrentAddRemoveDispatch(t *testing.T) {
	e := New[int]("test", nil)
	calls := atomic.NewInt64(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := &countingHandler{calls: calls}
				e.AddEventHandler(h)
				e.HandleEvent(nil, 1)
				e.RemoveEventHandler(h)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, e.Len())
	// every dispatch sees at least the handler its goroutine registered before it
	assert.GreaterOrEqual(t, calls.Load(), int64(800))
}

func TestEvent_HandlerRegisteredDuringDispatchSeenNextTime(t *testing.T) {
	e := New[int]("test", nil)
	calls := atomic.NewInt64(0)
	late := &countingHandler{calls: calls}
	var once sync.Once
	e.AddEventHandler(HandlerFunc(func(any, int) {
		once.Do(func() { e.AddEventHandler(late) })
	}))

	e.HandleEvent(nil, 1)
	e.HandleEvent(nil, 1)

	assert.GreaterOrEqual(t, calls.Load(), int64(1))
}

type sliceHandler []int

func (h sliceHandler) HandleEvent(_ any, _ int) {}

func TestEvent_IncomparableHandlerRejected(t *testing.T) {
	e := New[int]("test", zaptest.NewLogger(t))

	err := e.AddEventHandler(sliceHandler{1})
	require.ErrorIs(t, err, ErrHandlerNotComparable)
	assert.Zero(t, e.Len())
	assert.ErrorIs(t, e.RemoveEventHandler(sliceHandler{1}), ErrHandlerNotComparable)

	calls := atomic.NewInt64(0)
	require.NoError(t, e.AddEventHandler(&countingHandler{calls: calls}))
	assert.Zero(t, e.HandleEvent(nil, 3))
	assert.Equal(t, int64(3), calls.Load())
}
