package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	h := NewAsyncHandler(dir, time.Hour, slog.LevelInfo)
	log := slog.New(h).With("conn", "c-1")

	log.Debug("hidden")
	log.Info("visible", "frames", 3)
	log.Log(context.Background(), LevelFatal, "boom")
	require.NoError(t, (&ShutdownCallback{handler: h}).Invoke(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "visible")
	assert.Contains(t, content, "conn=c-1")
	assert.Contains(t, content, "frames=3")
	assert.Contains(t, content, "FATAL")
	assert.NotContains(t, content, "hidden")
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	h := NewAsyncHandler(dir, 24*time.Hour, slog.LevelInfo)
	require.NoError(t, h.Close())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
