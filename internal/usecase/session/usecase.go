package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/kiryu-dev/steam-cm/pkg/event"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrAttemptsExceeded = errors.New("connection attempts exceeded")
	ErrDisconnected     = errors.New("disconnected from server")
)

const defaultMaxAttempts = 10

type ConnectedArgs struct {
	Server   domain.ServerRecord
	Protocol domain.ProtocolType
	Proxy    *domain.ProxyState
}

type DisconnectedArgs struct {
	Server        domain.ServerRecord
	UserInitiated bool
	Err           error
}

// connection is the state of one established transport.
type connection struct {
	transport     domain.Transport
	record        domain.ServerRecord
	protocol      domain.ProtocolType
	cancel        context.CancelFunc
	userInitiated *atomic.Bool
	done          chan struct{}
	err           error
}

type useCase struct {
	id        string
	pool      domain.ServerPool
	dialer    domain.Dialer
	callbacks domain.CallbackRegistry
	jobs      domain.JobIDGenerator
	router    domain.MessageRouter

	protocols   domain.ProtocolType
	limiter     *rate.Limiter
	maxAttempts int
	heartbeat   time.Duration

	connectMu sync.Mutex
	mu        sync.RWMutex
	conn      *connection
	closed    *atomic.Bool

	connected    *event.Event[ConnectedArgs]
	disconnected *event.Event[DisconnectedArgs]
	messages     *event.Event[domain.Message]

	logger *zap.Logger
}

// New creates a session. The session owns callbacks: closing the session closes the registry.
func New(pool domain.ServerPool, dialer domain.Dialer, callbacks domain.CallbackRegistry,
	jobs domain.JobIDGenerator, router domain.MessageRouter, cfg config.Config, logger *zap.Logger) *useCase {
	id := uuid.NewString()
	logger = logger.With(zap.String("session", id))

	limit := rate.Inf
	if cfg.Discovery.ConnectRate > 0 {
		limit = rate.Limit(cfg.Discovery.ConnectRate)
	}
	burst := cfg.Discovery.ConnectBurst
	if burst <= 0 {
		burst = 1
	}
	maxAttempts := cfg.Discovery.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &useCase{
		id:           id,
		pool:         pool,
		dialer:       dialer,
		callbacks:    callbacks,
		jobs:         jobs,
		router:       router,
		protocols:    cfg.RequestedProtocols() & dialer.Protocols(),
		limiter:      rate.NewLimiter(limit, burst),
		maxAttempts:  maxAttempts,
		heartbeat:    cfg.Session.HeartbeatInterval,
		closed:       atomic.NewBool(false),
		connected:    event.New[ConnectedArgs]("connected", logger),
		disconnected: event.New[DisconnectedArgs]("disconnected", logger),
		messages:     event.New[domain.Message]("message", logger),
		logger:       logger,
	}
}

func (u *useCase) ID() string {
	return u.id
}

// Connected fires after a transport is established.
func (u *useCase) Connected() *event.Event[ConnectedArgs] {
	return u.connected
}

// Disconnected fires once per connection after its transport is torn down.
func (u *useCase) Disconnected() *event.Event[DisconnectedArgs] {
	return u.disconnected
}

// Messages receives every incoming message that is neither a job reply nor routed elsewhere.
// Handlers run on the dispatch goroutine and must not wait for replies.
func (u *useCase) Messages() *event.Event[domain.Message] {
	return u.messages
}

func (u *useCase) IsConnected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.conn != nil
}

// Server returns the server the session is connected to.
func (u *useCase) Server() (domain.ServerRecord, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return domain.ServerRecord{}, false
	}
	return u.conn.record, true
}

// Connect walks the pool until a server accepts the connection. Failed servers are marked
// bad; once every server failed recently the attempts go through proxies.
func (u *useCase) Connect(ctx context.Context) error {
	if u.closed.Load() {
		return domain.ErrSessionClosed
	}
	if u.protocols == 0 {
		return errors.WithMessage(domain.ErrInvalidProtocol, "no protocol shared with the dialer")
	}
	u.connectMu.Lock()
	defer u.connectMu.Unlock()
	if u.IsConnected() {
		return ErrAlreadyConnected
	}

	var attemptErrs error
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := u.limiter.Wait(ctx); err != nil {
			return multierr.Append(errors.WithMessage(err, "wait for connect slot"), attemptErrs)
		}
		record, protocol, err := u.pool.Next(ctx, u.protocols)
		if err != nil {
			return multierr.Append(errors.WithMessage(err, "select server"), attemptErrs)
		}
		proxy, err := u.proxyFor()
		if err != nil {
			return multierr.Append(err, attemptErrs)
		}

		transport, err := u.dialer.Dial(ctx, record, protocol, proxy)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.pool.MarkBad(record, protocol)
			if proxy != nil {
				u.pool.MarkProxyBad(proxy)
			}
			u.logger.Warn("connection attempt failed",
				zap.Int("attempt", attempt),
				zap.String("server", record.Address()),
				zap.Error(err))
			attemptErrs = multierr.Append(attemptErrs, err)
			continue
		}

		u.pool.MarkGood(record, protocol)
		u.start(transport, record, protocol, proxy)
		return nil
	}
	return multierr.Append(ErrAttemptsExceeded, attemptErrs)
}

// proxyFor returns nil while direct connections are still worth trying.
func (u *useCase) proxyFor() (*domain.ProxyState, error) {
	if !u.pool.Exhausted(u.protocols) {
		return nil, nil
	}
	proxy, err := u.pool.NextProxy()
	if err != nil {
		return nil, errors.WithMessage(err, "every server failed recently")
	}
	return proxy, nil
}

func (u *useCase) start(transport domain.Transport, record domain.ServerRecord, protocol domain.ProtocolType,
	proxy *domain.ProxyState) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		transport:     transport,
		record:        record,
		protocol:      protocol,
		cancel:        cancel,
		userInitiated: atomic.NewBool(false),
		done:          make(chan struct{}),
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	u.logger.Info("connected",
		zap.String("server", record.Address()),
		zap.Stringer("protocol", protocol))
	u.connected.HandleEvent(u, ConnectedArgs{Server: record, Protocol: protocol, Proxy: proxy})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return u.dispatch(gctx, transport)
	})
	if u.heartbeat > 0 {
		group.Go(func() error {
			return u.keepAlive(gctx, transport)
		})
	}
	go u.watch(group, conn)
}

// dispatch is the single reader of the transport. Replies complete their jobs, everything
// else is routed or broadcast.
func (u *useCase) dispatch(ctx context.Context, transport domain.Transport) error {
	for {
		msg, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithMessage(err, "receive message")
		}
		u.handle(msg)
	}
}

func (u *useCase) handle(msg domain.Message) {
	if msg.TargetJobID.IsValid() {
		err := u.callbacks.Complete(msg.TargetJobID, msg)
		if err == nil {
			return
		}
		u.logger.Warn("reply does not match a pending job",
			zap.Uint64("job_id", uint64(msg.TargetJobID)),
			zap.Uint32("msg_type", uint32(msg.Type)),
			zap.Error(err))
	}
	if u.router != nil && u.router.Route(u, msg) {
		return
	}
	u.messages.HandleEvent(u, msg)
}

func (u *useCase) keepAlive(ctx context.Context, transport domain.Transport) error {
	ticker := time.NewTicker(u.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := transport.Send(ctx, domain.NewMessage(domain.MsgHeartBeat, nil)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.WithMessage(err, "send heartbeat")
			}
		}
	}
}

func (u *useCase) watch(group *errgroup.Group, conn *connection) {
	err := group.Wait()
	conn.cancel()

	// Jobs are swept before the slot is freed so a new connection never loses its own.
	u.mu.Lock()
	failed := u.callbacks.FailAll(ErrDisconnected)
	if u.conn == conn {
		u.conn = nil
	}
	u.mu.Unlock()
	if failed > 0 {
		u.logger.Info("failed pending jobs after disconnect", zap.Int("count", failed))
	}

	conn.err = multierr.Append(err, conn.transport.Close())
	userInitiated := conn.userInitiated.Load()
	if !userInitiated {
		u.pool.MarkBad(conn.record, conn.protocol)
	}
	u.logger.Info("disconnected",
		zap.String("server", conn.record.Address()),
		zap.Bool("user_initiated", userInitiated),
		zap.Error(conn.err))
	u.disconnected.HandleEvent(u, DisconnectedArgs{
		Server:        conn.record,
		UserInitiated: userInitiated,
		Err:           conn.err,
	})
	close(conn.done)
}

// Send transmits msg as is.
func (u *useCase) Send(ctx context.Context, msg domain.Message) error {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.transport.Send(ctx, msg); err != nil {
		return errors.WithMessage(err, "send message")
	}
	return nil
}

// Request sends msg under a fresh job id and waits for the reply. A timeout is reported
// with domain.ErrCallbackTimeout; zero uses the registry default.
func (u *useCase) Request(ctx context.Context, msg domain.Message, timeout time.Duration) (domain.Message, error) {
	jobID := u.jobs.Next()
	pending, err := u.callbacks.Register(jobID)
	if err != nil {
		return domain.Message{}, err
	}
	msg.SourceJobID = jobID
	if err := u.Send(ctx, msg); err != nil {
		_ = u.callbacks.Cancel(pending)
		return domain.Message{}, err
	}
	return u.callbacks.Await(ctx, pending, timeout)
}

// Disconnect tears the connection down and waits for the Disconnected event to be delivered.
// It must not be called from a Messages handler.
func (u *useCase) Disconnect() error {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()
	if conn == nil {
		return nil
	}
	conn.userInitiated.Store(true)
	conn.cancel()
	_ = conn.transport.Close()
	<-conn.done
	return conn.err
}

// Close disconnects and fails every pending job with domain.ErrSessionClosed.
// The session cannot be reused.
func (u *useCase) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	u.connectMu.Lock()
	defer u.connectMu.Unlock()
	u.callbacks.Close()
	return u.Disconnect()
}
