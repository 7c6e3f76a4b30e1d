// Package store defines session persistence. Sessions are written atomically
// once per turn; the engine works on the in-memory state in between.
package store

import (
	"context"
	"time"

	"github.com/tidewater-ai/keel/internal/session"
)

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// SessionStore persists full session state. Load returns (nil, nil) for an
// unknown key; callers create fresh state themselves.
type SessionStore interface {
	Load(ctx context.Context, key string) (*session.State, error)
	Save(ctx context.Context, sess *session.State) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]SessionInfo, error)
	Close() error
}
