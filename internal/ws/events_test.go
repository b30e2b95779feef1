package ws

import (
	"errors"
	"fmt"
	"testing"

	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{registry.ErrRoomNotFound, "Room not found. Check the code and try again."},
		{fmt.Errorf("join: %w", registry.ErrRoomFull), "Room is full."},
		{registry.ErrDuplicateCode, "That room code is already in use."},
		{protocol.ErrInvalidName, protocol.ErrInvalidName.Error()},
		{protocol.ErrMalformed, "Malformed request."},
		{errors.New("disk on fire"), "Something went wrong. Try again."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.err))
	}
}

func TestEnvelopeFor(t *testing.T) {
	host := registry.Participant{Name: "Ahab", ConnectionID: "c1", Connected: true}
	guest := registry.Participant{Name: "Ishmael", ConnectionID: "c2", Connected: true}
	room := registry.Room{Code: "XK9P2Q", Host: host, Guest: &guest, Status: registry.StatusPaired}

	env, err := envelopeFor(registry.Event{Kind: registry.EventPlayerJoined, Room: room, Player: guest})
	require.NoError(t, err)
	pj, err := protocol.DecodePlayerJoined(env)
	require.NoError(t, err)
	assert.Equal(t, protocol.PlayerJoined{
		RoomID:       "XK9P2Q",
		JoinedPlayer: protocol.Player{PlayerName: "Ishmael", ConnectionID: "c2"},
	}, pj)

	env, err = envelopeFor(registry.Event{Kind: registry.EventRoomJoined, Room: room})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRoomJoined, env.Type)
	assert.JSONEq(t,
		`{"roomId":"XK9P2Q","host":{"playerName":"Ahab","connectionId":"c1"},"guest":{"playerName":"Ishmael","connectionId":"c2"},"hostConnected":true,"guestConnected":true}`,
		string(env.Payload))

	env, err = envelopeFor(registry.Event{Kind: registry.EventJoinFailed, Err: registry.ErrRoomFull})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeJoinRoomError, env.Type)
	msg, err := env.TextPayload()
	require.NoError(t, err)
	assert.Equal(t, "Room is full.", msg)

	env, err = envelopeFor(registry.Event{Kind: registry.EventRoomClosed, Room: room, Reason: "idle"})
	require.NoError(t, err)
	var closed protocol.RoomClosed
	require.NoError(t, env.Decode(&closed))
	assert.Equal(t, protocol.RoomClosed{RoomID: "XK9P2Q", Reason: "idle"}, closed)

	_, err = envelopeFor(registry.Event{Kind: "bogus"})
	assert.Error(t, err)
}

func TestEnvelopeForRoomJoinedMarksVacantSeat(t *testing.T) {
	host := registry.Participant{Name: "Ahab", ConnectionID: "c3", Connected: true}
	guest := registry.Participant{Name: "Ishmael", ConnectionID: "c2"}
	room := registry.Room{Code: "XK9P2Q", Host: host, Guest: &guest, Status: registry.StatusPaired}

	env, err := envelopeFor(registry.Event{Kind: registry.EventRoomJoined, Room: room})
	require.NoError(t, err)
	var joined protocol.RoomJoined
	require.NoError(t, env.Decode(&joined))
	assert.True(t, joined.HostConnected)
	assert.False(t, joined.GuestConnected)
}
