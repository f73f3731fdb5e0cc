// Package event provides a thread-safe broadcast primitive for unsolicited notifications.
package event

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrHandlerNotComparable = errors.New("event handler is not comparable")

// Handler receives events of type T. The handler value is its identity, so implementations
// must be comparable (pointer receivers or small structs).
type Handler[T any] interface {
	HandleEvent(sender any, args T)
}

type funcHandler[T any] struct {
	fn func(sender any, args T)
}

func (h *funcHandler[T]) HandleEvent(sender any, args T) {
	h.fn(sender, args)
}

// HandlerFunc wraps fn into a Handler. Every call returns a distinct handler, keep the
// result around to remove it later.
func HandlerFunc[T any](fn func(sender any, args T)) Handler[T] {
	return &funcHandler[T]{fn: fn}
}

// Event broadcasts to every handler registered at the moment dispatch starts.
type Event[T any] struct {
	name     string
	handlers sync.Map
	logger   *zap.Logger
}

func New[T any](name string, logger *zap.Logger) *Event[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Event[T]{
		name:   name,
		logger: logger,
	}
}

// AddEventHandler registers h. Adding the same handler twice has no effect.
// Handlers whose dynamic type cannot be compared are rejected with ErrHandlerNotComparable.
func (e *Event[T]) AddEventHandler(h Handler[T]) (err error) {
	if h == nil {
		return nil
	}
	defer e.recoverKey(h, &err)
	e.handlers.Store(h, struct{}{})
	return nil
}

func (e *Event[T]) RemoveEventHandler(h Handler[T]) (err error) {
	if h == nil {
		return nil
	}
	defer e.recoverKey(h, &err)
	e.handlers.Delete(h)
	return nil
}

// recoverKey turns the runtime panic of hashing an incomparable handler into an error.
func (e *Event[T]) recoverKey(h Handler[T], err *error) {
	if r := recover(); r != nil {
		*err = errors.WithMessagef(ErrHandlerNotComparable, "%T", h)
		e.logger.Warn("event handler rejected",
			zap.String("event", e.name),
			zap.Any("panic", r),
			zap.Error(*err))
	}
}

// Len returns the number of registered handlers.
func (e *Event[T]) Len() int {
	n := 0
	e.handlers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// HandleEvent invokes every handler synchronously. A panicking handler is logged and
// does not stop the broadcast. It returns the number of handlers that failed.
func (e *Event[T]) HandleEvent(sender any, args T) int {
	snapshot := make([]Handler[T], 0)
	e.handlers.Range(func(key, _ any) bool {
		snapshot = append(snapshot, key.(Handler[T]))
		return true
	})
	failed := 0
	for _, h := range snapshot {
		if err := e.invoke(h, sender, args); err != nil {
			failed++
			e.logger.Warn("event handler failed", zap.String("event", e.name), zap.Error(err))
		}
	}
	return failed
}

func (e *Event[T]) invoke(h Handler[T], sender any, args T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	h.HandleEvent(sender, args)
	return nil
}
