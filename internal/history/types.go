package history

import (
	"context"
	"time"
)

// ConversationTurn is one user or assistant turn handed off by the engine
// once transcription or response generation completes. Ownership passes to
// the store; the engine never reads it back for its own logic.
type ConversationTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Emotion   string    `json:"emotion,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists conversation turns.
type Store interface {
	SaveTurn(ctx context.Context, turn ConversationTurn) error
	RecentBySession(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error)
	Close() error
}
