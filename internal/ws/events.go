package ws

import (
	"context"
	"errors"

	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/internal/relay"
	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"go.uber.org/zap"
)

// Notifier turns registry events into protocol messages and queues them on
// the relay. It runs on the registry goroutine, which keeps per-connection
// order intact.
type Notifier struct {
	Relay  *relay.Relay
	Logger *zap.Logger
}

func (n *Notifier) Notify(connectionID string, ev registry.Event) {
	env, err := envelopeFor(ev)
	if err != nil {
		n.logger().Error("encode registry event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	n.Relay.Send(context.Background(), connectionID, env)
}

func (n *Notifier) logger() *zap.Logger {
	if n.Logger == nil {
		return zap.NewNop()
	}
	return n.Logger
}

func envelopeFor(ev registry.Event) (protocol.Envelope, error) {
	switch ev.Kind {
	case registry.EventRoomCreated:
		return protocol.NewEnvelope(protocol.TypeRoomCreated, protocol.RoomCreated{
			RoomID: ev.Room.Code,
			Host:   player(ev.Room.Host),
		})
	case registry.EventCreateFailed:
		return protocol.Text(protocol.TypeRoomCreationError, Describe(ev.Err)), nil
	case registry.EventRoomJoined:
		joined := protocol.RoomJoined{
			RoomID:        ev.Room.Code,
			Host:          player(ev.Room.Host),
			HostConnected: ev.Room.Host.Connected,
		}
		if ev.Room.Guest != nil {
			joined.Guest = player(*ev.Room.Guest)
			joined.GuestConnected = ev.Room.Guest.Connected
		}
		return protocol.NewEnvelope(protocol.TypeRoomJoined, joined)
	case registry.EventJoinFailed:
		return protocol.Text(protocol.TypeJoinRoomError, Describe(ev.Err)), nil
	case registry.EventPlayerJoined:
		return protocol.NewEnvelope(protocol.TypePlayerJoined, protocol.PlayerJoined{
			RoomID:       ev.Room.Code,
			JoinedPlayer: player(ev.Player),
		})
	case registry.EventPlayerLeft:
		return protocol.NewEnvelope(protocol.TypePlayerLeft, protocol.PlayerLeft{
			RoomID:     ev.Room.Code,
			LeftPlayer: player(ev.Player),
		})
	case registry.EventRoomClosed:
		return protocol.NewEnvelope(protocol.TypeRoomClosed, protocol.RoomClosed{
			RoomID: ev.Room.Code,
			Reason: ev.Reason,
		})
	}
	return protocol.Envelope{}, errors.New("unknown registry event " + string(ev.Kind))
}

func player(p registry.Participant) protocol.Player {
	return protocol.Player{PlayerName: p.Name, ConnectionID: p.ConnectionID}
}

// Describe turns an error into the message shown to the requesting player.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrRoomNotFound):
		return protocol.RefusalRoomNotFound
	case errors.Is(err, registry.ErrRoomFull):
		return protocol.RefusalRoomFull
	case errors.Is(err, registry.ErrDuplicateCode):
		return protocol.RefusalDuplicateCode
	case errors.Is(err, registry.ErrAlreadyInRoom):
		return protocol.RefusalAlreadyInRoom
	case errors.Is(err, registry.ErrCodeSpaceExhausted):
		return protocol.RefusalNoCodes
	case errors.Is(err, protocol.ErrValidation):
		return err.Error()
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.RefusalMalformed
	}
	return protocol.RefusalInternal
}
