package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrConnClosed = errors.New("websocket connection closed")

const writeTimeout = 10 * time.Second

type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  *atomic.Bool
	logger  *zap.Logger
}

func newClientConn(conn *websocket.Conn, logger *zap.Logger) *clientConn {
	return &clientConn{
		conn:   conn,
		closed: atomic.NewBool(false),
		logger: logger,
	}
}

// Send is safe for concurrent use.
func (c *clientConn) Send(ctx context.Context, msg domain.Message) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return errors.WithMessage(err, "marshal message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WithMessage(err, "websocket conn write message")
	}
	return nil
}

// Receive blocks until a message arrives, ctx is done or the connection is closed.
// It must not be called concurrently. A cancelled Receive leaves the connection unusable.
func (c *clientConn) Receive(ctx context.Context) (domain.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Message{}, ctxErr
		}
		if c.closed.Load() {
			return domain.Message{}, ErrConnClosed
		}
		return domain.Message{}, errors.WithMessage(err, "websocket conn read message")
	}
	var msg domain.Message
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, errors.WithMessage(err, "unmarshal message")
	}
	return msg, nil
}

func (c *clientConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := c.conn.Close(); err != nil {
		return errors.WithMessage(err, "close websocket conn")
	}
	c.logger.Debug("websocket connection closed", zap.String("remote", c.conn.RemoteAddr().String()))
	return nil
}
