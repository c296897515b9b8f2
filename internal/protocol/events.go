package protocol

import (
	"encoding/json"
	"time"

	"github.com/manpreetbhatti/codestream/internal/room"
)

// Event is an outbound message.
type Event struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func newEvent(t MessageType, payload interface{}) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// SyncPayload is a complete document baseline.
type SyncPayload struct {
	Code     string        `json:"code"`
	Version  int           `json:"version"`
	Language room.Language `json:"language"`
	Name     string        `json:"name"`
}

type RoomStatePayload struct {
	RoomID  string         `json:"room_id"`
	Users   []room.Session `json:"users"`
	Version int            `json:"version"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type UsersUpdatePayload struct {
	Users []room.Session `json:"users"`
}

type DiffPayload struct {
	Diff    string `json:"diff"`
	UserID  string `json:"user_id"`
	Version int    `json:"version"`
}

type CursorPayload struct {
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	Position  room.Position   `json:"position"`
	Selection *room.Selection `json:"selection"`
}

type AckPayload struct {
	Version int `json:"version"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ExecutionResultPayload struct {
	Output        string  `json:"output"`
	Error         *string `json:"error"`
	ExecutionTime float64 `json:"execution_time"`
}

func Sync(p SyncPayload) Event { return newEvent(TypeSync, p) }

func RoomState(roomID string, users []room.Session, version int) Event {
	return newEvent(TypeRoomState, RoomStatePayload{RoomID: roomID, Users: nonNil(users), Version: version})
}

func UserJoined(s room.Session) Event { return newEvent(TypeUserJoined, s) }

func UserLeft(userID string) Event { return newEvent(TypeUserLeft, UserLeftPayload{UserID: userID}) }

func UsersUpdate(users []room.Session) Event {
	return newEvent(TypeUsersUpdate, UsersUpdatePayload{Users: nonNil(users)})
}

func Diff(diff, userID string, version int) Event {
	return newEvent(TypeDiff, DiffPayload{Diff: diff, UserID: userID, Version: version})
}

func Cursor(s room.Session) Event {
	return newEvent(TypeCursor, CursorPayload{
		UserID:    s.UserID,
		Username:  s.Username,
		Color:     s.Color,
		Position:  s.CursorPosition,
		Selection: s.Selection,
	})
}

func Ack(version int) Event { return newEvent(TypeAck, AckPayload{Version: version}) }

func Error(msg string) Event { return newEvent(TypeError, ErrorPayload{Error: msg}) }

// ExecutionResult reports a finished (or refused) run. An empty errMsg is
// sent as null.
func ExecutionResult(output, errMsg string, seconds float64) Event {
	p := ExecutionResultPayload{Output: output, ExecutionTime: seconds}
	if errMsg != "" {
		p.Error = &errMsg
	}
	return newEvent(TypeExecutionResult, p)
}

// users lists are always arrays on the wire
func nonNil(users []room.Session) []room.Session {
	if users == nil {
		return []room.Session{}
	}
	return users
}
