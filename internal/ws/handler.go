// Package ws serves the room protocol over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/internal/relay"
	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeTimeout   = 5 * time.Second
	releaseTimeout = 5 * time.Second
	maxMessageSize = 4096
	outboxSize     = 16

	defaultMessageRate  = 5
	defaultMessageBurst = 10
)

type Options struct {
	// PingInterval is how often idle peers are pinged. Zero disables pings.
	PingInterval time.Duration
	// OriginPatterns are extra origins allowed to open a socket.
	OriginPatterns []string
	Logger         *zap.Logger
	// NewID assigns connection ids. Defaults to random UUIDs.
	NewID func() string
	// MessageRate and MessageBurst bound inbound messages per connection.
	// Defaults to 5/s with a burst of 10.
	MessageRate  rate.Limit
	MessageBurst int
}

func Handler(reg *registry.Registry, rl *relay.Relay, opts Options) http.HandlerFunc {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = defaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaultMessageBurst
	}
	log := opts.Logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxMessageSize)

		s := &session{
			id:    opts.NewID(),
			conn:  conn,
			reg:   reg,
			relay: rl,
			limit: rate.NewLimiter(opts.MessageRate, opts.MessageBurst),
		}
		s.log = log.With(zap.String("conn", s.id))
		s.serve(r.Context(), opts.PingInterval)
	}
}

type session struct {
	id    string
	conn  *websocket.Conn
	reg   *registry.Registry
	relay *relay.Relay
	limit *rate.Limiter
	log   *zap.Logger
}

func (s *session) serve(parent context.Context, pingEvery time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	out := make(chan protocol.Envelope, outboxSize)
	if !s.relay.Attach(ctx, s.id, out) {
		s.conn.Close(websocket.StatusTryAgainLater, "shutting down")
		return
	}
	if err := s.reg.Register(ctx, s.id); err != nil {
		s.log.Warn("register connection", zap.Error(err))
		s.relay.Detach(context.Background(), s.id)
		s.conn.Close(websocket.StatusTryAgainLater, "shutting down")
		return
	}
	s.log.Info("connection opened")

	ack, err := protocol.NewEnvelope(protocol.TypeConnectionAck, protocol.ConnectionAck{ConnectionID: s.id})
	if err == nil {
		s.relay.Send(ctx, s.id, ack)
	}

	// Writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for env := range out {
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.conn, env)
			wcancel()
			if err != nil {
				s.log.Debug("write failed", zap.Error(err))
				return
			}
		}
	}()

	if pingEvery > 0 {
		go s.keepalive(ctx, pingEvery, cancel)
	}

	s.readLoop(ctx)

	// The registry treats the connection as gone from here on, so nothing
	// this connection sent can leave a room half made.
	cancel()
	cctx, ccancel := context.WithTimeout(context.Background(), releaseTimeout)
	if err := s.reg.ReleaseConnection(cctx, s.id); err != nil {
		s.log.Warn("release connection", zap.Error(err))
	}
	s.relay.Detach(cctx, s.id)
	ccancel()

	select {
	case <-writerDone:
	case <-time.After(writeTimeout):
		s.log.Warn("writer did not stop")
	}
	s.conn.Close(websocket.StatusNormalClosure, "bye")
	s.log.Info("connection closed")
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			// Treat clean close/going-away as normal.
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Debug("peer closed")
			default:
				s.log.Debug("read ended", zap.Error(err))
			}
			return
		}

		if !s.limit.Allow() {
			s.reply(ctx, protocol.TypeProtocolError, "slow down")
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reply(ctx, protocol.TypeProtocolError, "bad json")
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *session) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCreateRoom:
		req, err := s.request(env)
		if err != nil {
			s.reply(ctx, protocol.TypeRoomCreationError, Describe(err))
			return
		}
		// Success and lifecycle failures reach the client through the
		// registry's notifier.
		if req.Resume {
			_, err = s.reg.CreateRoom(ctx, req.RoomID, req.PlayerName, s.id)
		} else {
			_, err = s.reg.OpenRoom(ctx, req.RoomID, req.PlayerName, s.id)
		}
		s.logOutcome("create-room", err)

	case protocol.TypeJoinRoom:
		req, err := s.request(env)
		if err == nil {
			req.RoomID, err = protocol.ValidateCode(req.RoomID)
		}
		if err != nil {
			s.reply(ctx, protocol.TypeJoinRoomError, Describe(err))
			return
		}
		_, err = s.reg.JoinRoom(ctx, req.RoomID, req.PlayerName, s.id)
		s.logOutcome("join-room", err)

	default:
		s.reply(ctx, protocol.TypeProtocolError, "unknown type")
	}
}

// request decodes and validates a create/join payload. The transport bound
// id is the only identity; a different playerId is refused.
func (s *session) request(env protocol.Envelope) (protocol.RoomRequest, error) {
	var req protocol.RoomRequest
	if err := env.Decode(&req); err != nil {
		return req, err
	}
	if err := protocol.CheckIdentity(req.PlayerID, s.id); err != nil {
		s.log.Warn("identity mismatch", zap.String("claimed", req.PlayerID))
		return req, err
	}
	name, err := protocol.ValidateName(req.PlayerName)
	if err != nil {
		return req, err
	}
	req.PlayerName = name
	return req, nil
}

func (s *session) reply(ctx context.Context, t protocol.MessageType, msg string) {
	s.relay.Send(ctx, s.id, protocol.Text(t, msg))
}

func (s *session) logOutcome(op string, err error) {
	switch {
	case err == nil:
	case registry.IsLifecycleError(err), errors.Is(err, protocol.ErrValidation):
		s.log.Debug(op+" refused", zap.Error(err))
	default:
		s.log.Warn(op+" failed", zap.Error(err))
	}
}

func (s *session) keepalive(ctx context.Context, every time.Duration, onFail context.CancelFunc) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				onFail()
				return
			}
		}
	}
}
