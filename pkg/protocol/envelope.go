package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Text builds an envelope whose payload is a bare string, the shape used by
// every error message.
func Text(t MessageType, msg string) Envelope {
	raw, _ := json.Marshal(msg)
	return Envelope{Type: t, Payload: raw}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// DecodeStrict is Decode that also rejects unknown fields.
func (e Envelope) DecodeStrict(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// TextPayload returns the string carried by an error message.
func (e Envelope) TextPayload() (string, error) {
	var s string
	if err := e.Decode(&s); err != nil {
		return "", err
	}
	return s, nil
}

// DecodePlayerJoined accepts exactly one shape for player-joined:
// {roomId, joinedPlayer: {playerName, connectionId}}. Anything else is a
// protocol error.
func DecodePlayerJoined(e Envelope) (PlayerJoined, error) {
	var pj PlayerJoined
	if e.Type != TypePlayerJoined {
		return pj, fmt.Errorf("%w: want %s, got %s", ErrMalformed, TypePlayerJoined, e.Type)
	}
	if err := e.DecodeStrict(&pj); err != nil {
		return PlayerJoined{}, err
	}
	if pj.RoomID == "" || pj.JoinedPlayer.PlayerName == "" {
		return PlayerJoined{}, fmt.Errorf("%w: player-joined needs roomId and joinedPlayer.playerName", ErrMalformed)
	}
	pj.RoomID = NormalizeCode(pj.RoomID)
	return pj, nil
}
