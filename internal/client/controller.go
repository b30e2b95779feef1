// Package client holds the per-client room state machine.
//
// A Controller issues create/join requests over a Connection and rebuilds
// its view of the room solely from what the server sends back. It never
// blocks waiting for a reply: requests move it into an in-flight phase and
// the next matching message moves it out again.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/battleship-rooms/internal/conn"
	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"go.uber.org/zap"
)

var (
	ErrRequestInFlight = errors.New("a room request is already in flight")
	ErrNotIdle         = errors.New("already in a room")
	ErrRoomClosed      = errors.New("room closed")
)

const resumeTimeout = 5 * time.Second

type Options struct {
	// ResumeDelay is the pause before a refused resume is asked again.
	// Defaults to 3s.
	ResumeDelay time.Duration
	// ResumeAttempts bounds the resume requests made after one reconnect.
	// Defaults to 15, which outlasts the server noticing a dead socket.
	ResumeAttempts int
	Logger         *zap.Logger
}

type Phase string

const (
	Idle         Phase = "idle"
	CreatingRoom Phase = "creatingRoom"
	RoomWaiting  Phase = "roomWaiting"
	RoomPaired   Phase = "roomPaired"
	JoiningRoom  Phase = "joiningRoom"
	RoomJoined   Phase = "roomJoined"
)

func (p Phase) inFlight() bool { return p == CreatingRoom || p == JoiningRoom }

func (p Phase) inRoom() bool { return p == RoomWaiting || p == RoomPaired || p == RoomJoined }

type Link string

const (
	Offline      Link = "offline"
	Online       Link = "online"
	Reconnecting Link = "reconnecting"
)

// RoomError is a refusal from the server. Message is shown as sent.
type RoomError struct {
	Type    protocol.MessageType
	Message string
}

func (e *RoomError) Error() string { return e.Message }

type Peer struct {
	protocol.Player
	Online bool
}

type State struct {
	Version      uint64
	Phase        Phase
	Link         Link
	ConnectionID string
	PlayerName   string
	RoomCode     string
	Peer         *Peer
	LastError    error
}

func (s State) clone() State {
	if s.Peer != nil {
		p := *s.Peer
		s.Peer = &p
	}
	return s
}

// Connection is what the controller needs from a connection manager.
type Connection interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Subscribe(fn func(conn.Signal)) (unsubscribe func())
}

type watcher struct {
	id int
	fn func(State)
}

type Controller struct {
	conn        Connection
	opts        Options
	log         *zap.Logger
	unsubscribe func()

	mu          sync.Mutex
	state       State
	restore     State // where a failed request goes back to
	resume      bool  // re-announce the room on the next connection-ack
	resuming    bool  // a resume request is outstanding
	resumeTries int
	resumeGen   uint64 // bumped to void a scheduled retry
	retry       *time.Timer
	closed      bool
	watchers    []watcher
	nextID      int

	// deliveries are serialized and never go back in time
	notifyMu  sync.Mutex
	delivered uint64
}

func New(c Connection, opts Options) *Controller {
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = 3 * time.Second
	}
	if opts.ResumeAttempts < 1 {
		opts.ResumeAttempts = 15
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctl := &Controller{
		conn:  c,
		opts:  opts,
		log:   opts.Logger.Named("client"),
		state: State{Phase: Idle, Link: Offline},
	}
	ctl.unsubscribe = c.Subscribe(ctl.handle)
	return ctl
}

// Close releases the controller's connection subscription.
func (c *Controller) Close() {
	c.unsubscribe()
	c.mu.Lock()
	c.closed = true
	c.stopResume()
	c.watchers = nil
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe calls fn with every new state until the returned func is called.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers = append(c.watchers, watcher{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, w := range c.watchers {
			if w.id == id {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

// CreateRoom asks the server for a new room hosted by name.
func (c *Controller) CreateRoom(ctx context.Context, name string) error {
	name, err := protocol.ValidateName(name)
	if err != nil {
		return err
	}
	return c.request(ctx, CreatingRoom, protocol.TypeCreateRoom, protocol.RoomRequest{PlayerName: name})
}

// JoinRoom asks to join the room with the given code.
func (c *Controller) JoinRoom(ctx context.Context, code, name string) error {
	code, err := protocol.ValidateCode(code)
	if err != nil {
		return err
	}
	name, err = protocol.ValidateName(name)
	if err != nil {
		return err
	}
	return c.request(ctx, JoiningRoom, protocol.TypeJoinRoom, protocol.RoomRequest{RoomID: code, PlayerName: name})
}

func (c *Controller) request(ctx context.Context, phase Phase, t protocol.MessageType, req protocol.RoomRequest) error {
	c.mu.Lock()
	switch {
	case c.state.Phase.inFlight():
		c.mu.Unlock()
		return ErrRequestInFlight
	case c.state.Phase != Idle:
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.restore = c.state
	req.PlayerID = c.state.ConnectionID
	c.state.Phase = phase
	c.state.PlayerName = req.PlayerName
	c.state.LastError = nil
	c.state.Peer = nil
	c.state.RoomCode = ""
	s, ws := c.commit()
	c.mu.Unlock()
	c.deliver(s, ws)

	env, err := protocol.NewEnvelope(t, req)
	if err == nil {
		err = c.conn.Send(ctx, env)
	}
	if err != nil {
		c.mu.Lock()
		if c.state.Phase == phase {
			c.fail(err)
		}
		s, ws := c.commit()
		c.mu.Unlock()
		c.deliver(s, ws)
		return err
	}
	return nil
}

// fail puts back the state from before the in-flight request.
// Caller holds mu.
func (c *Controller) fail(err error) {
	link, id := c.state.Link, c.state.ConnectionID
	c.state = c.restore
	c.state.Link = link
	c.state.ConnectionID = id
	c.state.LastError = err
}

// commit bumps the version and snapshots state and watchers.
// Caller holds mu.
func (c *Controller) commit() (State, []watcher) {
	c.state.Version++
	ws := make([]watcher, len(c.watchers))
	copy(ws, c.watchers)
	return c.state.clone(), ws
}

func (c *Controller) deliver(s State, ws []watcher) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if s.Version <= c.delivered {
		return
	}
	c.delivered = s.Version
	for _, w := range ws {
		w.fn(s)
	}
}

func (c *Controller) handle(sig conn.Signal) {
	c.mu.Lock()
	var out *protocol.Envelope
	changed := true
	switch sig.Kind {
	case conn.Connected:
		c.state.Link = Online
	case conn.Disconnected:
		c.onDisconnected(sig)
	case conn.Message:
		out, changed = c.onMessage(sig.Envelope)
	}
	var (
		s  State
		ws []watcher
	)
	if changed {
		s, ws = c.commit()
	}
	c.mu.Unlock()

	if changed {
		c.deliver(s, ws)
	}
	if out != nil {
		c.sendResume(*out)
	}
}

func (c *Controller) sendResume(env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, env); err != nil {
		c.log.Warn("resume request not sent", zap.Error(err))
	}
}

// Caller holds mu.
func (c *Controller) onDisconnected(sig conn.Signal) {
	if sig.Final {
		c.state.Link = Offline
	} else {
		c.state.Link = Reconnecting
	}
	c.state.ConnectionID = ""
	c.stopResume()
	if c.state.Phase.inFlight() {
		c.fail(conn.ErrConnectionLost)
	}
	// The room may outlive this connection on the server.
	c.resume = c.state.Phase.inRoom()
}

// onMessage applies one server message. It returns a request to send
// once mu is released and whether the state changed. Caller holds mu.
func (c *Controller) onMessage(env protocol.Envelope) (*protocol.Envelope, bool) {
	switch env.Type {
	case protocol.TypeConnectionAck:
		var ack protocol.ConnectionAck
		if err := env.Decode(&ack); err != nil {
			c.log.Warn("bad connection-ack", zap.Error(err))
			return nil, false
		}
		c.state.ConnectionID = ack.ConnectionID
		if c.resume {
			c.resume = false
			return c.resumeRequest(), true
		}
		return nil, true

	case protocol.TypeRoomCreated:
		var msg protocol.RoomCreated
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("bad room-created", zap.Error(err))
			return nil, false
		}
		switch {
		case c.state.Phase == CreatingRoom:
			c.state.Phase = RoomWaiting
		case c.resuming && c.state.Phase == RoomWaiting:
			if msg.RoomID != c.state.RoomCode {
				c.log.Warn("resumed under a new code", zap.String("was", c.state.RoomCode), zap.String("now", msg.RoomID))
			}
			c.stopResume()
			c.state.LastError = nil
		default:
			return nil, false
		}
		c.state.RoomCode = msg.RoomID
		return nil, true

	case protocol.TypeRoomJoined:
		var msg protocol.RoomJoined
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("bad room-joined", zap.Error(err))
			return nil, false
		}
		switch {
		case c.state.Phase == JoiningRoom:
		case c.resuming && (c.state.Phase == RoomJoined || c.state.Phase == RoomPaired):
			c.stopResume()
			c.state.LastError = nil
		default:
			return nil, false
		}
		c.seat(msg)
		c.state.RoomCode = msg.RoomID
		return nil, true

	case protocol.TypeRoomCreationError, protocol.TypeJoinRoomError:
		text, err := env.TextPayload()
		if err != nil {
			c.log.Warn("bad error message", zap.String("type", string(env.Type)), zap.Error(err))
			return nil, false
		}
		refusal := &RoomError{Type: env.Type, Message: text}
		switch {
		case c.resuming && text != protocol.RefusalRoomNotFound && c.resumeTries < c.opts.ResumeAttempts:
			// The server may still hold the slot for the connection we
			// lost. Keep the room and ask again shortly.
			c.resuming = false
			c.state.LastError = refusal
			c.scheduleResume()
		case c.resuming:
			c.stopResume()
			c.state = State{Phase: Idle, Link: c.state.Link, ConnectionID: c.state.ConnectionID, LastError: refusal}
		case env.Type == protocol.TypeRoomCreationError && c.state.Phase == CreatingRoom,
			env.Type == protocol.TypeJoinRoomError && c.state.Phase == JoiningRoom:
			c.fail(refusal)
		default:
			return nil, false
		}
		return nil, true

	case protocol.TypePlayerJoined:
		msg, err := protocol.DecodePlayerJoined(env)
		if err != nil {
			c.log.Warn("rejecting player-joined", zap.Error(err))
			return nil, false
		}
		if msg.RoomID != c.state.RoomCode {
			return nil, false
		}
		switch c.state.Phase {
		case RoomWaiting:
			c.state.Phase = RoomPaired
		case RoomPaired, RoomJoined:
			// peer came back
		default:
			return nil, false
		}
		c.state.Peer = &Peer{Player: msg.JoinedPlayer, Online: true}
		return nil, true

	case protocol.TypePlayerLeft:
		var msg protocol.PlayerLeft
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("bad player-left", zap.Error(err))
			return nil, false
		}
		if msg.RoomID != c.state.RoomCode || c.state.Peer == nil {
			return nil, false
		}
		c.state.Peer.Online = false
		return nil, true

	case protocol.TypeRoomClosed:
		var msg protocol.RoomClosed
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("bad room-closed", zap.Error(err))
			return nil, false
		}
		if msg.RoomID != c.state.RoomCode || !c.state.Phase.inRoom() {
			return nil, false
		}
		c.stopResume()
		c.state = State{
			Phase:        Idle,
			Link:         c.state.Link,
			ConnectionID: c.state.ConnectionID,
			LastError:    fmt.Errorf("%w: %s", ErrRoomClosed, msg.Reason),
		}
		return nil, true

	case protocol.TypeProtocolError:
		text, _ := env.TextPayload()
		c.log.Warn("server reported protocol error", zap.String("message", text))
		return nil, false
	}

	c.log.Debug("ignoring message", zap.String("type", string(env.Type)))
	return nil, false
}

// seat takes phase and peer from the slot this connection holds. A join
// by name may land in a vacated host slot. Caller holds mu.
func (c *Controller) seat(msg protocol.RoomJoined) {
	if msg.Host.ConnectionID != "" && msg.Host.ConnectionID == c.state.ConnectionID {
		c.state.Phase = RoomPaired
		c.state.Peer = &Peer{Player: msg.Guest, Online: msg.GuestConnected}
		return
	}
	c.state.Phase = RoomJoined
	c.state.Peer = &Peer{Player: msg.Host, Online: msg.HostConnected}
}

// resumeRequest re-announces the room held before a reconnect. A host
// still waiting asks for its old code back; anyone in a pair reclaims
// their slot by name. Caller holds mu.
func (c *Controller) resumeRequest() *protocol.Envelope {
	req := protocol.RoomRequest{
		RoomID:     c.state.RoomCode,
		PlayerName: c.state.PlayerName,
		PlayerID:   c.state.ConnectionID,
	}
	t := protocol.TypeJoinRoom
	if c.state.Phase == RoomWaiting {
		t = protocol.TypeCreateRoom
		req.Resume = true
	}
	env, err := protocol.NewEnvelope(t, req)
	if err != nil {
		c.log.Error("encode resume request", zap.Error(err))
		return nil
	}
	c.resuming = true
	c.resumeTries++
	c.log.Info("resuming room",
		zap.String("room", req.RoomID),
		zap.String("as", string(t)),
		zap.Int("try", c.resumeTries))
	return &env
}

// Caller holds mu.
func (c *Controller) scheduleResume() {
	gen := c.resumeGen
	c.retry = time.AfterFunc(c.opts.ResumeDelay, func() { c.retryResume(gen) })
}

func (c *Controller) retryResume(gen uint64) {
	c.mu.Lock()
	if gen != c.resumeGen || c.closed || c.state.Link != Online || !c.state.Phase.inRoom() {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	out := c.resumeRequest()
	c.mu.Unlock()

	if out != nil {
		c.sendResume(*out)
	}
}

// stopResume ends any resume in progress and voids a pending retry.
// Caller holds mu.
func (c *Controller) stopResume() {
	c.resuming = false
	c.resumeTries = 0
	c.resumeGen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}
