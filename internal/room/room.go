// Package room holds the room and presence types shared by the registry,
// the synchronization service and the stores.
package room

import (
	"math/rand"
	"time"
)

// DefaultVersion is the version of a document that has never been edited.
const DefaultVersion = 1

// A persisted collaborative document
type Room struct {
	ID          string    `json:"room_id" bson:"room_id"`
	Name        string    `json:"name" bson:"name"`
	Language    Language  `json:"language" bson:"language"`
	Code        string    `json:"code" bson:"code"`
	Version     int       `json:"version" bson:"version"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
	ActiveUsers []Session `json:"active_users" bson:"active_users"`
}

// Position is a 1-based cursor location.
type Position struct {
	Line   int `json:"line" bson:"line"`
	Column int `json:"column" bson:"column"`
}

// Selection is an editor selection range.
type Selection struct {
	Start Position `json:"start" bson:"start"`
	End   Position `json:"end" bson:"end"`
}

// Session is the presence record of one live connection.
type Session struct {
	UserID         string     `json:"user_id" bson:"user_id"`
	Username       string     `json:"username" bson:"username"`
	Color          string     `json:"color" bson:"color"`
	CursorPosition Position   `json:"cursor_position" bson:"cursor_position"`
	Selection      *Selection `json:"selection,omitempty" bson:"selection,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at" bson:"connected_at"`
}

// Cursor colors handed out to participants.
var Palette = []string{
	"#EF4444", "#F97316", "#F59E0B", "#84CC16",
	"#22C55E", "#14B8A6", "#06B6D4", "#3B82F6",
	"#8B5CF6", "#D946EF", "#EC4899",
}

// Picks a palette color independently for every call; collisions are allowed
func RandomColor() string {
	return Palette[rand.Intn(len(Palette))]
}

// NewSession returns a session positioned at the top of the document.
func NewSession(userID, username string) Session {
	return Session{
		UserID:         userID,
		Username:       username,
		Color:          RandomColor(),
		CursorPosition: Position{Line: 1, Column: 1},
		ConnectedAt:    time.Now().UTC(),
	}
}
