// Package relay delivers outbound protocol messages to live connections.
//
// Each connection registers an outbox. Messages for one connection leave in
// the order they were handed to the relay. A connection whose outbox is
// full is considered too slow and is dropped.
package relay

import (
	"context"

	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"go.uber.org/zap"
)

type Msg interface{ isRelayMsg() }

type Attach struct {
	ConnectionID string
	Outbox       chan protocol.Envelope // where this connection wants its messages
}

func (Attach) isRelayMsg() {}

type Detach struct{ ConnectionID string }

func (Detach) isRelayMsg() {}

type Deliver struct {
	ConnectionID string
	Envelope     protocol.Envelope
}

func (Deliver) isRelayMsg() {}

type GetStats struct {
	Reply chan Stats
}

func (GetStats) isRelayMsg() {}

type Shutdown struct{}

func (Shutdown) isRelayMsg() {}

type Stats struct {
	Connections int
	Delivered   int
	Dropped     int
}

type Relay struct {
	inbox    chan Msg
	outboxes map[string]chan protocol.Envelope
	stats    Stats
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Relay{
		inbox:    make(chan Msg, 256),
		outboxes: make(map[string]chan protocol.Envelope),
		log:      log.Named("relay"),
		ctx:      ctx,
		cancel:   cancel,
	}

	go r.loop()
	return r
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Attach:
				if old, ok := r.outboxes[msg.ConnectionID]; ok && old != msg.Outbox {
					close(old)
				}
				r.outboxes[msg.ConnectionID] = msg.Outbox

			case Detach:
				if ch, ok := r.outboxes[msg.ConnectionID]; ok {
					close(ch) // Tell the writer no more messages
					delete(r.outboxes, msg.ConnectionID)
				}

			case Deliver:
				r.deliver(msg)

			case GetStats:
				s := r.stats
				s.Connections = len(r.outboxes)
				msg.Reply <- s

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Relay) deliver(msg Deliver) {
	ch, ok := r.outboxes[msg.ConnectionID]
	if !ok {
		// Connection already gone; nothing to do.
		r.log.Debug("no outbox for connection", zap.String("conn", msg.ConnectionID), zap.String("type", string(msg.Envelope.Type)))
		return
	}
	select {
	case ch <- msg.Envelope:
		r.stats.Delivered++
	default:
		// Connection is slow/full - drop it.
		r.log.Warn("dropping slow connection", zap.String("conn", msg.ConnectionID))
		close(ch)
		delete(r.outboxes, msg.ConnectionID)
		r.stats.Dropped++
	}
}

func (r *Relay) shutdown() {
	for id, ch := range r.outboxes {
		close(ch)
		delete(r.outboxes, id)
	}
	r.cancel()
}

// Inbox exposes the relay's inbox so tests or the ws layer can send messages.
func (r *Relay) Inbox() chan<- Msg { return r.inbox }

func (r *Relay) post(ctx context.Context, m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return false
}

// Send queues env for connectionID. It reports false if the relay or ctx is
// done before the message was queued.
func (r *Relay) Send(ctx context.Context, connectionID string, env protocol.Envelope) bool {
	return r.post(ctx, Deliver{ConnectionID: connectionID, Envelope: env})
}

func (r *Relay) Attach(ctx context.Context, connectionID string, outbox chan protocol.Envelope) bool {
	return r.post(ctx, Attach{ConnectionID: connectionID, Outbox: outbox})
}

func (r *Relay) Detach(ctx context.Context, connectionID string) bool {
	return r.post(ctx, Detach{ConnectionID: connectionID})
}

func (r *Relay) Stats(ctx context.Context) (Stats, bool) {
	reply := make(chan Stats, 1)
	if !r.post(ctx, GetStats{Reply: reply}) {
		return Stats{}, false
	}
	select {
	case s := <-reply:
		return s, true
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return Stats{}, false
}

// Close shuts the relay down and closes every outbox.
func (r *Relay) Close() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.ctx.Done():
	}
	<-r.ctx.Done()
}
