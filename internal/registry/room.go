package registry

import (
	"errors"
	"time"
)

var (
	ErrDuplicateCode      = errors.New("room code already in use")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrAlreadyInRoom      = errors.New("connection is already in a room")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrCodeSpaceExhausted = errors.New("could not allocate a free room code")
	ErrClosed             = errors.New("registry closed")
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusPaired  Status = "paired"
)

// Participant is one of the two slots of a room. Connected is false while
// the participant's connection is gone and the slot is held for a resume.
type Participant struct {
	Name         string
	ConnectionID string
	Connected    bool
}

type Room struct {
	Code         string
	Host         Participant
	Guest        *Participant
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
}

// clone returns a copy that shares nothing with the registry's record.
func (r *Room) clone() Room {
	out := *r
	if r.Guest != nil {
		g := *r.Guest
		out.Guest = &g
	}
	return out
}

// Members is the number of occupied slots, connected or not.
func (r Room) Members() int {
	if r.Guest == nil {
		return 1
	}
	return 2
}

// Peer returns the participant in the other slot from connectionID.
func (r Room) Peer(connectionID string) (Participant, bool) {
	switch {
	case r.Host.ConnectionID == connectionID:
		if r.Guest == nil {
			return Participant{}, false
		}
		return *r.Guest, true
	case r.Guest != nil && r.Guest.ConnectionID == connectionID:
		return r.Host, true
	}
	return Participant{}, false
}

func (r *Room) degraded() bool {
	return !r.Host.Connected || (r.Guest != nil && !r.Guest.Connected)
}

// slotFor returns the slot bound to connectionID, or nil.
func (r *Room) slotFor(connectionID string) *Participant {
	if r.Host.ConnectionID == connectionID {
		return &r.Host
	}
	if r.Guest != nil && r.Guest.ConnectionID == connectionID {
		return r.Guest
	}
	return nil
}

// vacantSlotNamed returns a disconnected slot held for name, or nil.
func (r *Room) vacantSlotNamed(name string) *Participant {
	if !r.Host.Connected && r.Host.Name == name {
		return &r.Host
	}
	if r.Guest != nil && !r.Guest.Connected && r.Guest.Name == name {
		return r.Guest
	}
	return nil
}

type EventKind string

const (
	EventRoomCreated  EventKind = "RoomCreated"
	EventCreateFailed EventKind = "CreateFailed"
	EventRoomJoined   EventKind = "RoomJoined"
	EventJoinFailed   EventKind = "JoinFailed"
	EventPlayerJoined EventKind = "PlayerJoined"
	EventPlayerLeft   EventKind = "PlayerLeft"
	EventRoomClosed   EventKind = "RoomClosed"
)

// Event is addressed to a single connection. Room is the state after the
// change; Player is the participant the event is about (joined or left).
type Event struct {
	Kind   EventKind
	Room   Room
	Player Participant
	Err    error
	Reason string
}

// Notifier receives registry events from the registry goroutine, in the
// order they happened. Implementations must not call back into the
// registry synchronously.
type Notifier interface {
	Notify(connectionID string, ev Event)
}

type NotifierFunc func(connectionID string, ev Event)

func (f NotifierFunc) Notify(connectionID string, ev Event) { f(connectionID, ev) }

type Stats struct {
	Rooms       int
	Waiting     int
	Paired      int
	Connections int
}
