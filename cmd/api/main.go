package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"courtflow/auth"
	"courtflow/caselog"
	"courtflow/db"
	"courtflow/deadline"
	"courtflow/pair"
	"courtflow/resolve"
	"courtflow/session"
	"courtflow/transport"
	"courtflow/verdict"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer pool.Close()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Drain()

	sessions := session.NewRepository(pool)
	cases := caselog.NewRepository(pool)
	pairs := pair.NewService(pair.NewRepository(pool))
	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET"))
	generator := verdict.NewService(pairs)

	engine := session.NewEngine(sessions, generator, cases).
		WithLogger(logger.With("component", "engine"))
	resolver := resolve.New(generator, engine).
		WithLogger(logger.With("component", "resolver"))
	engine.WithResolver(resolver)

	server := transport.NewServer(nc, engine).
		WithVerifier(authService).
		WithLogger(logger.With("component", "transport"))
	engine.WithNotifier(server)

	supervisor := deadline.NewSupervisor(sessions, engine).
		WithLogger(logger.With("component", "deadlines"))

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("courtflow ready", "nats", natsURL)
	return g.Wait()
}
