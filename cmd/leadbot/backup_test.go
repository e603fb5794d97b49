package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	db := filepath.Join(src, "snap.db")
	cfg := filepath.Join(src, "config.yaml")
	require.NoError(t, os.WriteFile(db, []byte("sqlite bytes"), 0o600))
	require.NoError(t, os.WriteFile(cfg, []byte("general:\n  logLevel: debug\n"), 0o600))

	archive := filepath.Join(src, "backup.tar.gz")
	require.NoError(t, createTarGz(archive, map[string]string{
		backupDBName:              db,
		backupConfigBase + ".yaml": cfg,
	}))

	dst := t.TempDir()
	dbOut := filepath.Join(dst, "data", "leadbot.db")
	cfgOut := filepath.Join(dst, "config.yaml")
	restored, err := extractTarGz(archive, dbOut, cfgOut)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dbOut, cfgOut}, restored)

	data, err := os.ReadFile(dbOut)
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))
	data, err = os.ReadFile(cfgOut)
	require.NoError(t, err)
	assert.Contains(t, string(data), "logLevel: debug")
}

func TestExtractRejectsForeignArchive(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	archive := filepath.Join(dir, "other.tar.gz")
	require.NoError(t, createTarGz(archive, map[string]string{"notes.txt": other}))

	_, err := extractTarGz(archive, filepath.Join(dir, "db"), filepath.Join(dir, "cfg.json"))
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KB", humanSize(1536))
	assert.Equal(t, "2.0 MB", humanSize(2*1024*1024))
}
