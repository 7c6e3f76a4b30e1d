package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/keel/internal/config"
)

func TestOpenSessionStoreFileBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Backend = "file"
	cfg.Sessions.Storage = t.TempDir()

	s, err := openSessionStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestOpenSessionStorePostgresRequiresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Backend = "postgres"
	cfg.Database.PostgresDSN = ""

	_, err := openSessionStore(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEEL_POSTGRES_DSN")
}
