package coordinator

import (
	"context"

	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrSenderRequired = errors.New("coordinator requires a sender")

// tagger turns an application message type into the type carried on the wire.
type tagger func(msgType domain.MsgType) domain.MsgType

type useCase struct {
	appID  uint32
	sender domain.Sender
	tag    tagger
	logger *zap.Logger
}

// NewProtobuf creates a coordinator for applications speaking protobuf GC messages.
// Outgoing message types carry the proto mask.
func NewProtobuf(appID uint32, sender domain.Sender, logger *zap.Logger) (*useCase, error) {
	return newCoordinator(appID, sender, func(t domain.MsgType) domain.MsgType {
		return t | domain.ProtoMask
	}, logger)
}

// NewLegacy creates a coordinator for applications using struct based GC messages.
func NewLegacy(appID uint32, sender domain.Sender, logger *zap.Logger) (*useCase, error) {
	return newCoordinator(appID, sender, func(t domain.MsgType) domain.MsgType {
		return t.WithoutProto()
	}, logger)
}

func newCoordinator(appID uint32, sender domain.Sender, tag tagger, logger *zap.Logger) (*useCase, error) {
	if sender == nil {
		return nil, ErrSenderRequired
	}
	return &useCase{
		appID:  appID,
		sender: sender,
		tag:    tag,
		logger: logger.With(zap.Uint32("app_id", appID)),
	}, nil
}

func (u *useCase) AppID() uint32 {
	return u.appID
}

// Send wraps payload into a client-to-GC envelope. A zero appID uses the coordinator's own.
func (u *useCase) Send(ctx context.Context, payload any, appID uint32, msgType domain.MsgType) error {
	if appID == 0 {
		appID = u.appID
	}
	gc := domain.GCMessage{
		AppID:   appID,
		Type:    u.tag(msgType),
		Payload: payload,
	}
	msg := domain.NewMessage(domain.MsgClientToGC|domain.ProtoMask, gc)
	msg.AppID = appID
	if err := u.sender.Send(ctx, msg); err != nil {
		return errors.WithMessagef(err, "send gc message %d", uint32(gc.Type))
	}
	u.logger.Debug("gc message sent", zap.Uint32("msg_type", uint32(gc.Type)))
	return nil
}
