package ws

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	cmSocketPath            = "/cmsocket/"
)

type dialer struct {
	scheme           string
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// NewDialer opens TLS websocket connections to CM servers.
func NewDialer(logger *zap.Logger) *dialer {
	return &dialer{
		scheme:           "wss",
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           logger,
	}
}

// NewInsecureDialer uses plain ws:// and exists for local servers.
func NewInsecureDialer(logger *zap.Logger) *dialer {
	d := NewDialer(logger)
	d.scheme = "ws"
	return d
}

func (d *dialer) Protocols() domain.ProtocolType {
	return domain.WebSocket
}

func (d *dialer) Dial(ctx context.Context, record domain.ServerRecord, protocol domain.ProtocolType,
	proxy *domain.ProxyState) (domain.Transport, error) {
	if protocol != domain.WebSocket {
		return nil, errors.WithMessagef(domain.ErrInvalidProtocol, "websocket dialer cannot speak '%s'", protocol)
	}
	u := url.URL{Scheme: d.scheme, Host: record.Address(), Path: cmSocketPath}
	wsDialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if proxy != nil {
		wsDialer.Proxy = http.ProxyURL(proxy.URL())
	}

	conn, resp, err := wsDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "dial '%s'", u.String())
	}
	fields := []zap.Field{zap.String("server", record.Address())}
	if proxy != nil {
		fields = append(fields, zap.String("proxy", proxy.String()))
	}
	d.logger.Info("websocket connection established", fields...)
	return newClientConn(conn, d.logger), nil
}
