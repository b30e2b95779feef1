// Command server runs the room rendezvous service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/battleship-rooms/internal/config"
	"github.com/DoyleJ11/battleship-rooms/internal/httpapi"
	"github.com/DoyleJ11/battleship-rooms/internal/logging"
	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/internal/relay"
	"github.com/DoyleJ11/battleship-rooms/internal/ws"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "server",
		Usage: "pair two players into a room by a short code",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "read environment from `FILE` (default ./.env if present)",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides ROOMS_ADDR",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Server.Addr = cmd.String("addr")
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// The actors outlive the signal so that sessions torn down during
	// shutdown can still release their rooms.
	rl := relay.New(context.Background(), log)
	defer rl.Close()
	reg := registry.New(context.Background(), registry.Options{
		IdleTimeout:   cfg.Server.IdleTimeout,
		SweepInterval: cfg.Server.SweepInterval,
		Notifier:      &ws.Notifier{Relay: rl, Logger: log},
		Logger:        log,
	})
	defer reg.Close()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.SetupRoutes(reg, rl, ws.Options{
			PingInterval:   cfg.Server.PingInterval,
			OriginPatterns: cfg.Server.AllowedOrigins,
			Logger:         log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket sessions end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = multierr.Append(err, srv.Close())
		}
		return err
	})
	return g.Wait()
}
