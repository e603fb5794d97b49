package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewSafeHandler(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestSafeHandler_RedactsUnknownKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("message received", "phone", "+5511999998888", Channel("whatsapp"))

	out := buf.String()
	assert.NotContains(t, out, "5511999998888")
	assert.Contains(t, out, "phone="+redacted)
	assert.Contains(t, out, "channel=whatsapp")
}

func TestSafeHandler_ScrubsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Error("send failed", KeyErr, errors.New("recipient 5511999998888 not on whatsapp"))
	logger.Error("auth", Err(errors.New("rejected Bearer sk-abc123")))

	out := buf.String()
	assert.NotContains(t, out, "5511999998888")
	assert.NotContains(t, out, "sk-abc123")
	assert.Contains(t, out, "[number]")
}

func TestSafeHandler_WithAttrsFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf).With("token", "secret-value", Component("pacer"))

	logger.Info("hello")

	out := buf.String()
	assert.NotContains(t, out, "secret-value")
	assert.Contains(t, out, "component=pacer")
}

func TestConv_HashesIdentifier(t *testing.T) {
	a := Conv("conversation-1")
	assert.Equal(t, KeyConv, a.Key)
	assert.Len(t, a.Value.String(), 8)
	assert.NotEqual(t, "conversation-1", a.Value.String())
	assert.Equal(t, a.Value.String(), Ref("conversation-1"), "hash must be stable")
	assert.Empty(t, Ref(""))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadbot.log")
	var stderr bytes.Buffer

	logger, closeFn := New(Options{Level: slog.LevelInfo, File: path, Stderr: &stderr})
	logger.Info("started", KeyVersion, "test", "contact", "Maria")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version":"test"`)
	assert.NotContains(t, string(data), "Maria")
	assert.Contains(t, stderr.String(), "started")
}

func TestTypedConstructorsPassFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("wired",
		Path("/webhook/whatsapp"), Addr("127.0.0.1:8080"), Version("1.2.0"), Driver("sqlite"),
		Migration(2), Description("pipeline stages"), Concurrency(5), Method("POST"))

	out := buf.String()
	assert.NotContains(t, out, redacted)
	for _, want := range []string{
		"path=/webhook/whatsapp", "addr=127.0.0.1:8080", "version=1.2.0", "driver=sqlite",
		"migration=2", `description="pipeline stages"`, "concurrency=5", "method=POST",
	} {
		assert.Contains(t, out, want)
	}
}
