package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/adapters/storage"
	"github.com/kiryu-dev/steam-cm/internal/adapters/webapi"
	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/kiryu-dev/steam-cm/internal/logger"
	"github.com/kiryu-dev/steam-cm/internal/transport/ws"
	"github.com/kiryu-dev/steam-cm/internal/usecase/callback"
	"github.com/kiryu-dev/steam-cm/internal/usecase/coordinator"
	"github.com/kiryu-dev/steam-cm/internal/usecase/discovery"
	"github.com/kiryu-dev/steam-cm/internal/usecase/refresher"
	"github.com/kiryu-dev/steam-cm/internal/usecase/session"
	"github.com/kiryu-dev/steam-cm/pkg/event"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reconnectDelay = 5 * time.Second
	gcClientHello  = domain.MsgType(4006)
)

func main() {
	cfgPath := flag.String("config", "./config.yml", "path to config")
	appID := flag.Uint("app", 0, "application id to open a game coordinator for")
	flag.Parse()
	cfg, err := config.New(*cfgPath)
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()
	if err := run(cfg, uint32(*appID), log); err != nil {
		log.Info("client stopped: " + err.Error())
	}
}

func run(cfg config.Config, appID uint32, log *zap.Logger) error {
	provider, err := storage.New(cfg.Storage)
	if err != nil {
		return errors.WithMessage(err, "open server list storage")
	}
	defer func() {
		_ = provider.Close()
	}()

	pool, err := discovery.New(provider, webapi.New(cfg.Bootstrap, log), cfg.Discovery, cfg.Bootstrap.CellID, log)
	if err != nil {
		return errors.WithMessage(err, "create server pool")
	}
	seeds, err := cfg.SeedRecords()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if len(seeds) > 0 {
		if err := pool.Merge(ctx, seeds); err != nil {
			return errors.WithMessage(err, "merge configured servers")
		}
	}

	var (
		registry  = callback.New(cfg.Callbacks.DefaultTimeout, log)
		router    = coordinator.NewRouter(log)
		jobs      = callback.NewJobIDSource(cfg.Session.BoxID)
		sess      = session.New(pool, ws.NewDialer(log), registry, jobs, router, cfg, log)
		refresh   = refresher.New(pool, cfg.Bootstrap.RefreshInterval, log)
		reconnect = make(chan struct{}, 1)
	)
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("close session: " + err.Error())
		}
	}()

	sess.Messages().AddEventHandler(event.HandlerFunc(func(_ any, msg domain.Message) {
		log.Info("unsolicited message", zap.Uint32("msg_type", uint32(msg.Type.WithoutProto())))
	}))
	sess.Disconnected().AddEventHandler(event.HandlerFunc(func(_ any, args session.DisconnectedArgs) {
		if args.UserInitiated {
			return
		}
		select {
		case reconnect <- struct{}{}:
		default:
		}
	}))
	if appID != 0 {
		gc, err := coordinator.NewProtobuf(appID, sess, log)
		if err != nil {
			return err
		}
		router.Register(appID).AddEventHandler(event.HandlerFunc(func(_ any, msg domain.GCMessage) {
			log.Info("gc message", zap.Uint32("app_id", msg.AppID), zap.Uint32("msg_type", uint32(msg.Type)))
		}))
		sess.Connected().AddEventHandler(event.HandlerFunc(func(_ any, _ session.ConnectedArgs) {
			go func() {
				if err := gc.Send(ctx, nil, 0, gcClientHello); err != nil {
					log.Warn(err.Error())
				}
			}()
		}))
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	errGroup, gctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		select {
		case s := <-sigChan:
			return errors.Errorf("captured signal: %v", s)
		case <-gctx.Done():
			return nil
		}
	})
	errGroup.Go(func() error {
		return refresh.Run(gctx)
	})
	errGroup.Go(func() error {
		reconnect <- struct{}{}
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reconnect:
			}
			if err := sess.Connect(gctx); err != nil {
				if errors.Is(err, domain.ErrSessionClosed) || gctx.Err() != nil {
					return err
				}
				log.Warn("connect: " + err.Error())
				time.AfterFunc(reconnectDelay, func() {
					select {
					case reconnect <- struct{}{}:
					default:
					}
				})
			}
		}
	})
	return errGroup.Wait()
}
