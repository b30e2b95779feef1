package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DoyleJ11/battleship-rooms/internal/client"
	"github.com/DoyleJ11/battleship-rooms/internal/conn"
	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	peer := &client.Peer{Player: protocol.Player{PlayerName: "Ishmael"}, Online: true}
	gone := &client.Peer{Player: protocol.Player{PlayerName: "Ishmael"}}

	tests := []struct {
		name  string
		state client.State
		want  string
	}{
		{"idle", client.State{Phase: client.Idle, Link: client.Online}, ""},
		{"creating", client.State{Phase: client.CreatingRoom, Link: client.Online}, "creating room..."},
		{"waiting", client.State{Phase: client.RoomWaiting, Link: client.Online, RoomCode: "XK9P2Q"}, "room XK9P2Q is open, share the code and wait for a guest"},
		{"paired", client.State{Phase: client.RoomPaired, Link: client.Online, RoomCode: "XK9P2Q", Peer: peer}, "Ishmael joined room XK9P2Q"},
		{"peer left", client.State{Phase: client.RoomPaired, Link: client.Online, RoomCode: "XK9P2Q", Peer: gone}, "Ishmael disconnected from room XK9P2Q"},
		{"reconnecting", client.State{Phase: client.RoomWaiting, Link: client.Reconnecting}, "connection lost, reconnecting..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describe(tt.state))
		})
	}
}

func TestFinished(t *testing.T) {
	done, err := finished(client.State{Phase: client.RoomWaiting, Link: client.Online})
	assert.False(t, done)
	assert.NoError(t, err)

	done, err = finished(client.State{Phase: client.Idle, Link: client.Online, LastError: &client.RoomError{Message: "Room is full."}})
	assert.True(t, done)
	assert.EqualError(t, err, "Room is full.")

	done, err = finished(client.State{Phase: client.RoomWaiting, Link: client.Offline})
	assert.True(t, done)
	assert.ErrorIs(t, err, conn.ErrConnectionExhausted)

	done, err = finished(client.State{Phase: client.Idle, Link: client.Online, LastError: fmt.Errorf("%w: idle", client.ErrRoomClosed)})
	assert.True(t, done)
	assert.ErrorIs(t, err, client.ErrRoomClosed)
}

func TestReadyzURL(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:8080/ws":        "http://localhost:8080/readyz",
		"wss://rooms.example.com/ws/":   "https://rooms.example.com/readyz",
		"wss://example.com/game/ws?x=1": "https://example.com/game/readyz",
		"http://localhost:8080":         "http://localhost:8080/readyz",
	}
	for in, want := range tests {
		got, err := readyzURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := readyzURL("ftp://example.com/ws")
	assert.Error(t, err)
}

func TestFetchAndRenderStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/readyz", r.URL.Path)
		_, _ = w.Write([]byte(`{"rooms":3,"waiting":1,"paired":2,"connections":5,"dropped":0}`))
	}))
	defer srv.Close()

	st, err := fetchStats(context.Background(), srv.URL+"/readyz")
	require.NoError(t, err)
	assert.Equal(t, serverStats{Rooms: 3, Waiting: 1, Paired: 2, Connections: 5}, st)

	var buf bytes.Buffer
	renderStats(&buf, st)
	out := buf.String()
	assert.Contains(t, strings.ToUpper(out), "CONNECTIONS")
	assert.Contains(t, out, "5")
}

func TestPrintQR(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printQR(&buf, "XK9P2Q"))
	assert.Greater(t, strings.Count(buf.String(), "\n"), 5)
}
