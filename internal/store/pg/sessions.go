// Package pg is the Postgres session backend. State is stored as one JSONB
// document per session; the schema lives under migrations/.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists sessions in the sessions table.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, key string) (*session.State, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_key = $1`, key).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	var sess session.State
	if err := json.Unmarshal(state, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	if sess.ActiveWorkflows == nil {
		sess.ActiveWorkflows = map[string]*session.WorkflowContext{}
	}
	return &sess, nil
}

func (s *Store) Save(ctx context.Context, sess *session.State) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.Key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, state, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_key) DO UPDATE
		 SET state = EXCLUDED.state,
		     message_count = EXCLUDED.message_count,
		     updated_at = EXCLUDED.updated_at`,
		sess.Key, state, len(sess.Messages), sess.Created, sess.Updated)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]store.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, message_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.Key, &info.MessageCount, &info.Created, &info.Updated); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
