package conn

import (
	"context"

	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const maxMessageSize = 4096

// WebSocketDialer dials the room service's websocket endpoint.
type WebSocketDialer struct {
	URL     string
	Options *websocket.DialOptions
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	c, _, err := websocket.Dial(ctx, d.URL, d.Options)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(maxMessageSize)
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, t.c, &env)
	return env, err
}

func (t *wsTransport) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, t.c, env)
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "bye")
}
