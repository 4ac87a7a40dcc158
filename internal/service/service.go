package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Courier/internal/bus"
	"github.com/CZERTAINLY/Courier/internal/httptpc"
	"github.com/CZERTAINLY/Courier/internal/model"
	"github.com/CZERTAINLY/Courier/internal/namespace"
	"github.com/CZERTAINLY/Courier/internal/store"
	"github.com/CZERTAINLY/Courier/internal/stub"
	"github.com/CZERTAINLY/Courier/internal/transfer"
	"github.com/CZERTAINLY/Courier/internal/worker"
)

const (
	shutdownTimeout  = 30 * time.Second
	namespaceTimeout = 10 * time.Second
)

type Service struct {
	local     *bus.Local
	ns        *namespace.Local
	scheduler *Scheduler
	handler   *transfer.Handler
	manager   *worker.Manager
	db        *sql.DB
	server    *http.Server
	listener  net.Listener
}

// New builds the service from cfg. Nothing runs before Do, but the
// listener is already bound so Addr is valid.
func New(ctx context.Context, cfg model.Config, wcfg worker.Config) (_ *Service, err error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	timeout, err := cfg.Transfers.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	period, err := cfg.Transfers.MarkerPeriodDuration()
	if err != nil {
		return nil, err
	}

	s := &Service{local: bus.NewLocal(ctx)}
	defer func() {
		if err != nil {
			s.close(ctx)
		}
	}()

	s.ns, err = namespace.OpenLocal(cfg.Namespace.Root)
	if err != nil {
		return nil, err
	}

	s.scheduler, err = NewScheduler()
	if err != nil {
		return nil, err
	}

	opts, err := s.history(ctx, cfg.History)
	if err != nil {
		return nil, err
	}

	if wcfg.Enabled() {
		if wcfg.Root == "" {
			wcfg.Root = s.ns.Root()
		}
		s.manager = worker.NewManager(ctx, wcfg)
		conn, err := s.local.Connect(bus.Address(cfg.Transfers.Manager), s.manager)
		if err != nil {
			return nil, fmt.Errorf("connecting transfer manager: %w", err)
		}
		s.manager.Attach(conn)
	} else {
		slog.WarnContext(ctx, "no worker commands configured, transfers need an external manager", "manager", cfg.Transfers.Manager)
	}

	var handler *transfer.Handler
	door, err := s.local.Connect(bus.Address(cfg.Service.Address), bus.HandlerFunc(func(ctx context.Context, msg *bus.Message) {
		handler.Deliver(ctx, msg)
	}))
	if err != nil {
		return nil, fmt.Errorf("connecting door: %w", err)
	}

	var ns namespace.Namespace = s.ns
	if cfg.Namespace.Address != "" {
		// the handler reaches the namespace over the bus, like any other
		// remote service
		if _, err := s.local.Connect(bus.Address(cfg.Namespace.Address), namespace.NewServer(s.ns)); err != nil {
			return nil, fmt.Errorf("connecting namespace: %w", err)
		}
		ns = namespace.NewClient(stub.New(door, bus.Address(cfg.Namespace.Address), namespaceTimeout))
	}

	handler = transfer.NewHandler(
		transfer.Config{
			Door:           door.Address(),
			MarkerPeriod:   period,
			MissingStrikes: cfg.Transfers.MissingStrikes,
		},
		stub.New(door, bus.Address(cfg.Transfers.Manager), timeout),
		ns,
		s.scheduler,
		opts...,
	)
	s.handler = handler

	s.listener, err = net.Listen("tcp", cfg.Service.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Service.Listen, err)
	}
	base := context.WithoutCancel(ctx)
	s.server = &http.Server{
		Handler:           httptpc.NewHandler(handler),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s, nil
}

// history opens the store and schedules its pruning.
func (s *Service) history(ctx context.Context, cfg *model.History) ([]transfer.Option, error) {
	if cfg == nil {
		return nil, nil
	}
	retention, err := model.ParseISODuration(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("history.retention: %w", err)
	}
	s.db, err = store.InitDB(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", cfg.Path, err)
	}
	err = s.scheduler.Cron(ctx, "history-prune", cfg.Prune, func(ctx context.Context) {
		n, err := store.Prune(ctx, s.db, time.Now().Add(-retention))
		if err != nil {
			slog.ErrorContext(ctx, "pruning history failed", "error", err)
			return
		}
		slog.InfoContext(ctx, "history pruned", "removed", n)
	})
	if err != nil {
		return nil, fmt.Errorf("history.prune: %w", err)
	}
	return []transfer.Option{transfer.WithObserver(store.NewHistory(s.db))}, nil
}

// Addr is the address the HTTP server listens on.
func (s *Service) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Service) Handler() *transfer.Handler {
	return s.handler
}

// Do serves until ctx is cancelled or the server fails, then shuts down.
func (s *Service) Do(ctx context.Context) error {
	slog.InfoContext(ctx, "courier started", "listen", s.Addr().String())
	s.scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.server.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

func (s *Service) shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "courier shutting down")
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// requests wait for their transfers, so both must run together
	var g errgroup.Group
	g.Go(func() error {
		return s.server.Shutdown(ctx)
	})
	g.Go(func() error {
		return s.handler.Shutdown(ctx)
	})
	err := g.Wait()
	s.close(ctx)
	return err
}

func (s *Service) close(ctx context.Context) {
	if s.manager != nil {
		s.manager.Close()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}
	s.local.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history failed", "error", err)
		}
	}
	if s.ns != nil {
		_ = s.ns.Close()
	}
	if s.listener != nil && s.server == nil {
		_ = s.listener.Close()
	}
}
