// Package protocol defines the JSON messages exchanged with editor
// connections. Inbound messages form a closed set decoded by Decode;
// outbound events are built with the constructors in events.go.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/codestream/internal/room"
)

// MessageType is the discriminator of an envelope
type MessageType string

const (
	// Inbound and outbound
	TypeDiff   MessageType = "diff"
	TypeCursor MessageType = "cursor"
	TypeSync   MessageType = "sync"

	// Inbound only
	TypeRun MessageType = "run"

	// Outbound only
	TypeRoomState       MessageType = "room_state"
	TypeUserJoined      MessageType = "user_joined"
	TypeUserLeft        MessageType = "user_left"
	TypeUsersUpdate     MessageType = "users_update"
	TypeAck             MessageType = "ack"
	TypeError           MessageType = "error"
	TypeExecutionResult MessageType = "execution_result"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Envelope is the wire shape of every inbound message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound is implemented by every message a connection may send. The set is
// closed: only the request types in this package satisfy it.
type Inbound interface {
	Type() MessageType
	inbound()
}

// DiffRequest submits a patch computed against BaseVersion.
type DiffRequest struct {
	Diff        string `json:"diff"`
	BaseVersion int    `json:"version"`
}

// CursorRequest reports the sender's cursor and selection.
type CursorRequest struct {
	Position  *room.Position  `json:"position"`
	Selection *room.Selection `json:"selection,omitempty"`
}

// SyncRequest asks for a full resync of the document.
type SyncRequest struct{}

// RunRequest asks for the code to be executed.
type RunRequest struct {
	Code     string        `json:"code"`
	Language room.Language `json:"language"`
	Input    string        `json:"input"`
}

func (DiffRequest) Type() MessageType   { return TypeDiff }
func (CursorRequest) Type() MessageType { return TypeCursor }
func (SyncRequest) Type() MessageType   { return TypeSync }
func (RunRequest) Type() MessageType    { return TypeRun }

func (DiffRequest) inbound()   {}
func (CursorRequest) inbound() {}
func (SyncRequest) inbound()   {}
func (RunRequest) inbound()    {}

// Decode parses one inbound frame. Unknown tags yield ErrUnknownType and
// undecodable frames or payloads yield ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeDiff:
		var msg DiffRequest
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if msg.BaseVersion <= 0 {
			msg.BaseVersion = room.DefaultVersion
		}
		return msg, nil
	case TypeCursor:
		var msg CursorRequest
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if msg.Position == nil {
			msg.Position = &room.Position{Line: 1, Column: 1}
		}
		return msg, nil
	case TypeSync:
		return SyncRequest{}, nil
	case TypeRun:
		var msg RunRequest
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if msg.Language == "" {
			msg.Language = room.DefaultLanguage
		}
		return msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
