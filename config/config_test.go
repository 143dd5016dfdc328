package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "fern", cfg.AppName)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "file", cfg.SnapshotSource)
	assert.Equal(t, 16, cfg.WriteConcurrency)
	assert.Equal(t, 100, cfg.WriteBatchSize)
	assert.Equal(t, time.Minute, cfg.LockTTL)
	assert.Equal(t, "fern.changes", cfg.ChangeEventsTopic)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("APP_NAME=fern-dev\nWRITE_CONCURRENCY=4\n"), 0o600))
	t.Setenv("WRITE_CONCURRENCY", "8")
	t.Setenv("PURGE_INTERVAL", "30m")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("APP_NAME") })

	assert.Equal(t, "fern-dev", cfg.AppName)
	assert.Equal(t, 8, cfg.WriteConcurrency, "the environment wins over the .env file")
	assert.Equal(t, 30*time.Minute, cfg.PurgeInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown source", env: map[string]string{"SNAPSHOT_SOURCE": "ftp"}, wantErr: "unsupported SNAPSHOT_SOURCE"},
		{name: "blob without location", env: map[string]string{"SNAPSHOT_SOURCE": "blob"}, wantErr: "BLOB_CONNECTION_STRING or BLOB_SERVICE_URL"},
		{
			name:    "blob url without client",
			env:     map[string]string{"SNAPSHOT_SOURCE": "blob", "BLOB_SERVICE_URL": "https://acct.blob.core.windows.net"},
			wantErr: "TOKEN_URL and TOKEN_CLIENT_ID",
		},
		{name: "no concurrency", env: map[string]string{"WRITE_CONCURRENCY": "0"}, wantErr: "WRITE_CONCURRENCY"},
		{name: "no batch size", env: map[string]string{"WRITE_BATCH_SIZE": "0"}, wantErr: "WRITE_BATCH_SIZE"},
		{name: "bad duration", env: map[string]string{"LOCK_TTL": "soon"}, wantErr: "failed to read configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
