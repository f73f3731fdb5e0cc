package coordinator

import (
	"sync"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/kiryu-dev/steam-cm/pkg/event"
	"github.com/kiryu-dev/steam-cm/pkg/utils"
	"go.uber.org/zap"
)

// Router fans inbound GC messages out to per-application events.
type Router struct {
	mu     sync.RWMutex
	apps   map[uint32]*event.Event[domain.GCMessage]
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		apps:   make(map[uint32]*event.Event[domain.GCMessage]),
		logger: logger,
	}
}

// Register returns the event for appID, creating it on first use.
func (r *Router) Register(appID uint32) *event.Event[domain.GCMessage] {
	r.mu.RLock()
	ev, ok := r.apps[appID]
	r.mu.RUnlock()
	if ok {
		return ev
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok = r.apps[appID]; ok {
		return ev
	}
	ev = event.New[domain.GCMessage]("gc", r.logger.With(zap.Uint32("app_id", appID)))
	r.apps[appID] = ev
	return ev
}

func (r *Router) Unregister(appID uint32) {
	r.mu.Lock()
	delete(r.apps, appID)
	r.mu.Unlock()
}

// Route reports whether msg was a GC message. Such messages are consumed even when no
// application is registered for them.
func (r *Router) Route(sender any, msg domain.Message) bool {
	if msg.Type.WithoutProto() != domain.MsgClientFromGC {
		return false
	}
	gc, err := decodeGCMessage(msg)
	if err != nil {
		r.logger.Warn("decode gc message", zap.Error(err))
		return true
	}

	r.mu.RLock()
	ev, ok := r.apps[gc.AppID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("gc message for unregistered app",
			zap.Uint32("app_id", gc.AppID),
			zap.Uint32("msg_type", uint32(gc.Type)))
		return true
	}
	ev.HandleEvent(sender, gc)
	return true
}

func decodeGCMessage(msg domain.Message) (domain.GCMessage, error) {
	gc, err := utils.Redecode[domain.GCMessage](msg.Body)
	if err != nil {
		return domain.GCMessage{}, err
	}
	if gc.AppID == 0 {
		gc.AppID = msg.AppID
	}
	return gc, nil
}
