// Package protocol defines the messages exchanged between a room client and
// the coordination server, and the validation rules both sides apply.
//
// Every frame is a JSON envelope:
//
//	{"type": "create-room", "payload": {...}}
//
// Client -> Server
//
//	create-room  {roomId, playerName, playerId, resume}  roomId is a hint unless resume is set
//	join-room    {roomId, playerName, playerId}
//
// Server -> Client
//
//	connection-ack       {connectionId}
//	room-created         {roomId, host}
//	room-creation-error  "human readable reason"
//	room-joined          {roomId, host, guest, hostConnected, guestConnected}
//	join-room-error      "human readable reason"
//	player-joined        {roomId, joinedPlayer}  sent to the peer already in the room
//	player-left          {roomId, leftPlayer}
//	room-closed          {roomId, reason}
//	protocol-error       "human readable reason"
package protocol

type MessageType string

const (
	TypeCreateRoom MessageType = "create-room"
	TypeJoinRoom   MessageType = "join-room"

	TypeConnectionAck     MessageType = "connection-ack"
	TypeRoomCreated       MessageType = "room-created"
	TypeRoomCreationError MessageType = "room-creation-error"
	TypeRoomJoined        MessageType = "room-joined"
	TypeJoinRoomError     MessageType = "join-room-error"
	TypePlayerJoined      MessageType = "player-joined"
	TypePlayerLeft        MessageType = "player-left"
	TypeRoomClosed        MessageType = "room-closed"
	TypeProtocolError     MessageType = "protocol-error"
)

// Player is how a participant is shown to the other side. ConnectionID is
// informational only; clients never send it back to act on server state.
type Player struct {
	PlayerName   string `json:"playerName"`
	ConnectionID string `json:"connectionId"`
}

// Refusal texts carried by room-creation-error and join-room-error.
const (
	RefusalRoomNotFound  = "Room not found. Check the code and try again."
	RefusalRoomFull      = "Room is full."
	RefusalDuplicateCode = "That room code is already in use."
	RefusalAlreadyInRoom = "You are already in a room."
	RefusalNoCodes       = "No room codes are available right now. Try again shortly."
	RefusalMalformed     = "Malformed request."
	RefusalInternal      = "Something went wrong. Try again."
)

// RoomRequest is the payload of create-room and join-room.
type RoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
	PlayerID   string `json:"playerId,omitempty"`
	// Resume makes roomId binding on create-room: a taken code is refused
	// instead of replaced.
	Resume bool `json:"resume,omitempty"`
}

type ConnectionAck struct {
	ConnectionID string `json:"connectionId"`
}

type RoomCreated struct {
	RoomID string `json:"roomId"`
	Host   Player `json:"host"`
}

type RoomJoined struct {
	RoomID         string `json:"roomId"`
	Host           Player `json:"host"`
	Guest          Player `json:"guest"`
	HostConnected  bool   `json:"hostConnected"`
	GuestConnected bool   `json:"guestConnected"`
}

type PlayerJoined struct {
	RoomID       string `json:"roomId"`
	JoinedPlayer Player `json:"joinedPlayer"`
}

type PlayerLeft struct {
	RoomID     string `json:"roomId"`
	LeftPlayer Player `json:"leftPlayer"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
