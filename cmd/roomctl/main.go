// Command roomctl creates or joins a room from the terminal and reports
// what happens to it until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DoyleJ11/battleship-rooms/internal/client"
	"github.com/DoyleJ11/battleship-rooms/internal/config"
	"github.com/DoyleJ11/battleship-rooms/internal/conn"
	"github.com/DoyleJ11/battleship-rooms/internal/logging"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	nameFlag := &cli.StringFlag{
		Name:     "name",
		Aliases:  []string{"n"},
		Usage:    "display name shown to the other player",
		Required: true,
	}

	cmd := &cli.Command{
		Name:   "roomctl",
		Usage:  "create or join a two-player room",
		Writer: os.Stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "websocket `URL` of the room service",
				Sources: cli.EnvVars("ROOMS_SERVER_URL"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "read environment from `FILE` (default ./.env if present)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log connection details to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "open a new room and wait for a guest",
				Flags: []cli.Flag{
					nameFlag,
					&cli.BoolFlag{Name: "qr", Usage: "also print the room code as a QR code"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return session(ctx, cmd, func(ctl *client.Controller) error {
						return ctl.CreateRoom(ctx, cmd.String("name"))
					})
				},
			},
			{
				Name:      "join",
				Usage:     "join a room by its code",
				ArgsUsage: "CODE",
				Flags:     []cli.Flag{nameFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					code := cmd.Args().First()
					if code == "" {
						return cli.Exit("join needs a room code", 2)
					}
					return session(ctx, cmd, func(ctl *client.Controller) error {
						return ctl.JoinRoom(ctx, code, cmd.String("name"))
					})
				},
			},
			{
				Name:   "status",
				Usage:  "show room and connection counts of the service",
				Action: status,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session connects, issues one request and then reports state changes
// until the room is refused, the connection is given up or ctx ends.
func session(ctx context.Context, cmd *cli.Command, request func(*client.Controller) error) (err error) {
	cfg, url, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := "warn"
	if cmd.Bool("debug") {
		level = "debug"
	}
	log, err := logging.New(level, true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m := conn.New(conn.WebSocketDialer{URL: url}, conn.Options{
		Attempts: cfg.Client.ReconnectAttempts,
		Delay:    cfg.Client.ReconnectDelay,
		Logger:   log,
	})
	ctl := client.New(m, client.Options{Logger: log})
	defer func() {
		ctl.Close()
		err = multierr.Append(err, m.Close())
	}()

	states := make(chan client.State, 32)
	unsubscribe := ctl.Subscribe(func(s client.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer unsubscribe()

	if err := m.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	if err := request(ctl); err != nil {
		return err
	}

	out := cmd.Root().Writer
	showQR := cmd.Bool("qr")
	var last, drawn string
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-states:
			if line := describe(s); line != "" && line != last {
				last = line
				fmt.Fprintln(out, line)
			}
			if showQR && s.Phase == client.RoomWaiting && s.RoomCode != drawn {
				drawn = s.RoomCode
				if err := printQR(out, s.RoomCode); err != nil {
					log.Warn("draw qr code", zap.Error(err))
				}
			}
			if done, err := finished(s); done {
				return err
			}
		}
	}
}

// loadConfig reads the environment and resolves the server URL, letting
// --server win over ROOMS_SERVER_URL from an env file.
func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return nil, "", err
	}
	url := cfg.Client.ServerURL
	if cmd.IsSet("server") {
		url = cmd.String("server")
	}
	return cfg, url, nil
}

func finished(s client.State) (bool, error) {
	var refusal *client.RoomError
	switch {
	case s.Link == client.Offline && s.LastError == nil:
		return true, conn.ErrConnectionExhausted
	case s.Link == client.Offline:
		return true, s.LastError
	case s.Phase == client.Idle && errors.As(s.LastError, &refusal):
		return true, cli.Exit(refusal.Message, 1)
	case s.Phase == client.Idle && errors.Is(s.LastError, client.ErrRoomClosed):
		return true, s.LastError
	}
	return false, nil
}

func describe(s client.State) string {
	if s.Link == client.Reconnecting {
		return "connection lost, reconnecting..."
	}
	switch s.Phase {
	case client.CreatingRoom:
		return "creating room..."
	case client.JoiningRoom:
		return "joining room..."
	case client.RoomWaiting:
		return fmt.Sprintf("room %s is open, share the code and wait for a guest", s.RoomCode)
	case client.RoomPaired:
		return peerLine(s, "joined")
	case client.RoomJoined:
		return peerLine(s, "is hosting")
	}
	return ""
}

func peerLine(s client.State, verb string) string {
	if s.Peer == nil {
		return ""
	}
	if !s.Peer.Online {
		return fmt.Sprintf("%s disconnected from room %s", s.Peer.PlayerName, s.RoomCode)
	}
	return fmt.Sprintf("%s %s room %s", s.Peer.PlayerName, verb, s.RoomCode)
}
