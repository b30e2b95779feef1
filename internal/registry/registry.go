// Package registry owns every room and decides who belongs to it.
//
// All mutations run on one goroutine reading from an inbox, so calls that
// touch the same room are applied in arrival order and never interleave.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"go.uber.org/zap"
)

type Msg interface{ isRegistryMsg() }

type RegisterConnection struct {
	ConnectionID string
	Reply        chan struct{}
}

type CreateRoom struct {
	Code         string
	Name         string
	ConnectionID string
	// Advisory lets the registry replace a malformed or taken Code with a
	// freshly drawn one instead of failing.
	Advisory bool
	Reply    chan Result
}

type JoinRoom struct {
	Code         string
	Name         string
	ConnectionID string
	Reply        chan Result
}

type ReleaseConnection struct {
	ConnectionID string
	Reply        chan struct{}
}

type GetRoom struct {
	Code  string
	Reply chan Result
}

type GetStats struct {
	Reply chan Stats
}

type Sweep struct {
	Reply chan int
}

type Shutdown struct{}

func (RegisterConnection) isRegistryMsg() {}
func (CreateRoom) isRegistryMsg()         {}
func (JoinRoom) isRegistryMsg()           {}
func (ReleaseConnection) isRegistryMsg()  {}
func (GetRoom) isRegistryMsg()            {}
func (GetStats) isRegistryMsg()           {}
func (Sweep) isRegistryMsg()              {}
func (Shutdown) isRegistryMsg()           {}

type Result struct {
	Room Room
	Err  error
}

type Options struct {
	// IdleTimeout is how long a room with a vacated slot survives without
	// activity. Defaults to five minutes.
	IdleTimeout time.Duration
	// SweepInterval is how often idle rooms are reclaimed. Zero means the
	// default of 30s; negative disables the timer (Sweep can still be sent).
	SweepInterval time.Duration
	MaxCodeDraws  int
	Codes         func() (string, error)
	Now           func() time.Time
	Notifier      Notifier
	Logger        *zap.Logger
}

type connection struct {
	roomCode string
}

type Registry struct {
	inbox  chan Msg
	rooms  map[string]*Room
	conns  map[string]*connection
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.MaxCodeDraws <= 0 {
		opts.MaxCodeDraws = 16
	}
	if opts.Codes == nil {
		opts.Codes = protocol.GenerateCode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(string, Event) {})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:  make(chan Msg, 64),
		rooms:  make(map[string]*Room),
		conns:  make(map[string]*connection),
		opts:   opts,
		log:    opts.Logger.Named("registry"),
		ctx:    ctx,
		cancel: cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the registry has stopped.
func (r *Registry) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Registry) loop() {
	var tick <-chan time.Time
	if r.opts.SweepInterval > 0 {
		t := time.NewTicker(r.opts.SweepInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-tick:
			r.sweep()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case RegisterConnection:
				if _, ok := r.conns[msg.ConnectionID]; !ok {
					r.conns[msg.ConnectionID] = &connection{}
				}
				msg.Reply <- struct{}{}

			case CreateRoom:
				room, err := r.create(msg)
				if err != nil {
					r.log.Debug("create rejected", zap.String("conn", msg.ConnectionID), zap.Error(err))
					r.opts.Notifier.Notify(msg.ConnectionID, Event{Kind: EventCreateFailed, Err: err})
				}
				msg.Reply <- Result{Room: room, Err: err}

			case JoinRoom:
				room, err := r.join(msg)
				if err != nil {
					r.log.Debug("join rejected",
						zap.String("conn", msg.ConnectionID),
						zap.String("code", msg.Code),
						zap.Error(err))
					r.opts.Notifier.Notify(msg.ConnectionID, Event{Kind: EventJoinFailed, Err: err})
				}
				msg.Reply <- Result{Room: room, Err: err}

			case ReleaseConnection:
				r.release(msg.ConnectionID)
				msg.Reply <- struct{}{}

			case GetRoom:
				if rm := r.rooms[protocol.NormalizeCode(msg.Code)]; rm != nil {
					msg.Reply <- Result{Room: rm.clone()}
					break
				}
				msg.Reply <- Result{Err: ErrRoomNotFound}

			case GetStats:
				msg.Reply <- r.stats()

			case Sweep:
				msg.Reply <- r.sweep()

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) create(msg CreateRoom) (Room, error) {
	c, err := r.freeConnection(msg.ConnectionID)
	if err != nil {
		return Room{}, err
	}
	name, err := protocol.ValidateName(msg.Name)
	if err != nil {
		return Room{}, err
	}

	code, err := r.pickCode(msg.Code, msg.Advisory)
	if err != nil {
		return Room{}, err
	}

	now := r.opts.Now()
	rm := &Room{
		Code:         code,
		Host:         Participant{Name: name, ConnectionID: msg.ConnectionID, Connected: true},
		Status:       StatusWaiting,
		CreatedAt:    now,
		LastActivity: now,
	}
	r.rooms[code] = rm
	c.roomCode = code

	r.log.Info("room created", zap.String("code", code), zap.String("host", msg.ConnectionID))
	snap := rm.clone()
	r.opts.Notifier.Notify(msg.ConnectionID, Event{Kind: EventRoomCreated, Room: snap, Player: snap.Host})
	return snap, nil
}

// pickCode decides which code a new room gets. The registry is the only
// place where collisions are judged.
func (r *Registry) pickCode(requested string, advisory bool) (string, error) {
	if requested != "" {
		code, err := protocol.ValidateCode(requested)
		switch {
		case err == nil && r.rooms[code] == nil:
			return code, nil
		case !advisory && err != nil:
			return "", err
		case !advisory:
			return "", ErrDuplicateCode
		}
		r.log.Debug("requested code unusable, drawing", zap.String("requested", requested))
	}

	for range r.opts.MaxCodeDraws {
		c, err := r.opts.Codes()
		if err != nil {
			return "", err
		}
		c = protocol.NormalizeCode(c)
		if r.rooms[c] == nil {
			return c, nil
		}
		r.log.Debug("collision on code, regenerating", zap.String("code", c))
	}
	return "", ErrCodeSpaceExhausted
}

func (r *Registry) join(msg JoinRoom) (Room, error) {
	c, err := r.freeConnection(msg.ConnectionID)
	if err != nil {
		return Room{}, err
	}
	name, err := protocol.ValidateName(msg.Name)
	if err != nil {
		return Room{}, err
	}

	code := protocol.NormalizeCode(msg.Code)
	rm := r.rooms[code]
	if rm == nil {
		return Room{}, ErrRoomNotFound
	}

	var joined *Participant
	switch {
	case rm.Guest == nil:
		rm.Guest = &Participant{Name: name, ConnectionID: msg.ConnectionID, Connected: true}
		rm.Status = StatusPaired
		joined = rm.Guest
		r.log.Info("room paired", zap.String("code", code), zap.String("guest", msg.ConnectionID))

	default:
		slot := rm.vacantSlotNamed(name)
		if slot == nil {
			return Room{}, ErrRoomFull
		}
		slot.ConnectionID = msg.ConnectionID
		slot.Connected = true
		joined = slot
		r.log.Info("slot resumed", zap.String("code", code), zap.String("conn", msg.ConnectionID))
	}

	rm.LastActivity = r.opts.Now()
	c.roomCode = code

	snap := rm.clone()
	player := *joined
	r.opts.Notifier.Notify(msg.ConnectionID, Event{Kind: EventRoomJoined, Room: snap, Player: player})
	if peer, ok := snap.Peer(msg.ConnectionID); ok && peer.Connected {
		r.opts.Notifier.Notify(peer.ConnectionID, Event{Kind: EventPlayerJoined, Room: snap, Player: player})
	}
	return snap, nil
}

// freeConnection returns the record of a registered connection that is not
// currently in a live room. A dangling room reference is cleared.
func (r *Registry) freeConnection(id string) (*connection, error) {
	c := r.conns[id]
	if c == nil {
		return nil, ErrUnknownConnection
	}
	if c.roomCode != "" {
		if r.rooms[c.roomCode] != nil {
			return nil, ErrAlreadyInRoom
		}
		c.roomCode = ""
	}
	return c, nil
}

func (r *Registry) release(id string) {
	c := r.conns[id]
	delete(r.conns, id)
	if c == nil || c.roomCode == "" {
		return
	}

	rm := r.rooms[c.roomCode]
	if rm == nil {
		return
	}

	if rm.Guest == nil {
		if rm.Host.ConnectionID == id {
			delete(r.rooms, rm.Code)
			r.log.Info("waiting room released", zap.String("code", rm.Code))
		}
		return
	}

	slot := rm.slotFor(id)
	if slot == nil || !slot.Connected {
		return
	}
	slot.Connected = false
	rm.LastActivity = r.opts.Now()
	r.log.Info("participant disconnected", zap.String("code", rm.Code), zap.String("conn", id))

	snap := rm.clone()
	left := *slot
	if peer, ok := snap.Peer(id); ok && peer.Connected {
		r.opts.Notifier.Notify(peer.ConnectionID, Event{Kind: EventPlayerLeft, Room: snap, Player: left})
	}
}

// sweep deletes rooms holding a vacated slot that have been idle for at
// least IdleTimeout.
func (r *Registry) sweep() int {
	cutoff := r.opts.Now().Add(-r.opts.IdleTimeout)
	removed := 0
	for code, rm := range r.rooms {
		if !rm.degraded() || rm.LastActivity.After(cutoff) {
			continue
		}
		delete(r.rooms, code)
		removed++
		r.log.Info("idle room reclaimed", zap.String("code", code))

		snap := rm.clone()
		for _, p := range []*Participant{&rm.Host, rm.Guest} {
			if p == nil || !p.Connected {
				continue
			}
			if c := r.conns[p.ConnectionID]; c != nil && c.roomCode == code {
				c.roomCode = ""
			}
			r.opts.Notifier.Notify(p.ConnectionID, Event{
				Kind:   EventRoomClosed,
				Room:   snap,
				Reason: "opponent did not come back",
			})
		}
	}
	return removed
}

func (r *Registry) stats() Stats {
	s := Stats{Rooms: len(r.rooms), Connections: len(r.conns)}
	for _, rm := range r.rooms {
		switch rm.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusPaired:
			s.Paired++
		}
	}
	return s
}

func (r *Registry) shutdown() {
	clear(r.rooms)
	clear(r.conns)
	r.cancel()
}

// send hands m to the registry goroutine.
func (r *Registry) send(ctx context.Context, m Msg) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

func await[T any](ctx context.Context, r *Registry, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.ctx.Done():
		return zero, ErrClosed
	}
}

func (r *Registry) Register(ctx context.Context, connectionID string) error {
	reply := make(chan struct{}, 1)
	if err := r.send(ctx, RegisterConnection{ConnectionID: connectionID, Reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, r, reply)
	return err
}

// CreateRoom creates a waiting room under requestedCode, or under a drawn
// code when requestedCode is empty. A taken code is ErrDuplicateCode.
func (r *Registry) CreateRoom(ctx context.Context, requestedCode, hostName, hostConnectionID string) (Room, error) {
	return r.createRoom(ctx, CreateRoom{Code: requestedCode, Name: hostName, ConnectionID: hostConnectionID})
}

// OpenRoom is CreateRoom with hint treated as a preference only.
func (r *Registry) OpenRoom(ctx context.Context, hint, hostName, hostConnectionID string) (Room, error) {
	return r.createRoom(ctx, CreateRoom{Code: hint, Name: hostName, ConnectionID: hostConnectionID, Advisory: true})
}

func (r *Registry) createRoom(ctx context.Context, msg CreateRoom) (Room, error) {
	reply := make(chan Result, 1)
	msg.Reply = reply
	if err := r.send(ctx, msg); err != nil {
		return Room{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return Room{}, err
	}
	return res.Room, res.Err
}

func (r *Registry) JoinRoom(ctx context.Context, code, guestName, guestConnectionID string) (Room, error) {
	reply := make(chan Result, 1)
	if err := r.send(ctx, JoinRoom{Code: code, Name: guestName, ConnectionID: guestConnectionID, Reply: reply}); err != nil {
		return Room{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return Room{}, err
	}
	return res.Room, res.Err
}

func (r *Registry) ReleaseConnection(ctx context.Context, connectionID string) error {
	reply := make(chan struct{}, 1)
	if err := r.send(ctx, ReleaseConnection{ConnectionID: connectionID, Reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, r, reply)
	return err
}

func (r *Registry) Room(ctx context.Context, code string) (Room, error) {
	reply := make(chan Result, 1)
	if err := r.send(ctx, GetRoom{Code: code, Reply: reply}); err != nil {
		return Room{}, err
	}
	res, err := await(ctx, r, reply)
	if err != nil {
		return Room{}, err
	}
	return res.Room, res.Err
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := r.send(ctx, GetStats{Reply: reply}); err != nil {
		return Stats{}, err
	}
	return await(ctx, r, reply)
}

// SweepNow runs an idle sweep immediately and reports how many rooms went.
func (r *Registry) SweepNow(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := r.send(ctx, Sweep{Reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, r, reply)
}

// Close stops the registry. Pending and later calls return ErrClosed.
func (r *Registry) Close() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.ctx.Done():
	}
	<-r.ctx.Done()
}

// IsLifecycleError reports whether err is one of the room lifecycle errors
// a user can recover from by trying another action.
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrAlreadyInRoom)
}
