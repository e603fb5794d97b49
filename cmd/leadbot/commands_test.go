package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/config"
	"leadbot/internal/domain"
	"leadbot/internal/logging"
)

// useConfig writes cfg to a temp config file and points the CLI at it.
func useConfig(t *testing.T, mutate func(cfg *config.Config)) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(dir, "leadbot.db")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.json")
	require.NoError(t, config.Save(path, cfg))

	prevPath, prevLogger := configPath, logger
	configPath, logger = path, logging.Discard()
	t.Cleanup(func() { configPath, logger = prevPath, prevLogger })
	return cfg
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestSplitCommand(t *testing.T) {
	useConfig(t, nil)

	out, _, err := execute(t, splitCmd(), "--max", "40", "Olá! Tudo bem?\n# Planos\nTemos três planos.")

	require.NoError(t, err)
	assert.Contains(t, out, "[1/2] 14 chars\nOlá! Tudo bem?\n")
	assert.Contains(t, out, "[2/2]")
	assert.Contains(t, out, "# Planos\nTemos três planos.")
}

func TestSplitCommand_ReadsStdin(t *testing.T) {
	useConfig(t, nil)
	cmd := splitCmd()
	cmd.SetIn(bytes.NewBufferString("uma linha só"))

	out, _, err := execute(t, cmd, "-")

	require.NoError(t, err)
	assert.Contains(t, out, "[1/1] 12 chars\numa linha só")
}

func TestSendCommand_Console(t *testing.T) {
	useConfig(t, nil)

	out, errOut, err := execute(t, sendCmd(),
		"--channel", "console", "--no-delay", "--max", "40",
		"5511999990000", "Primeiro bloco.\n# Segundo\nMais texto.")

	require.NoError(t, err)
	assert.Contains(t, out, "--- to 5511999990000 (#1) ---\nPrimeiro bloco.")
	assert.Contains(t, out, "(#2) ---\n# Segundo\nMais texto.")
	assert.Contains(t, errOut, "delivered 2 blocks via console")
}

func TestSendCommand_NothingToSend(t *testing.T) {
	useConfig(t, nil)

	out, _, err := execute(t, sendCmd(), "--channel", "console", "--no-delay", "5511999990000", "   ")

	require.NoError(t, err)
	assert.Contains(t, out, "nothing to send")
}

func TestSendCommand_ReportsPartialDelivery(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"Recipient phone number not in allowed list"}}`)
			return
		}
		io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.1"}]}`)
	}))
	defer srv.Close()
	useConfig(t, func(cfg *config.Config) {
		cfg.Channels.WhatsApp.Enabled = true
		cfg.Channels.WhatsApp.APIBase = srv.URL
		cfg.Channels.WhatsApp.AccessToken = "EAAG-token"
		cfg.Channels.WhatsApp.PhoneNumberID = "1234"
	})

	_, _, err := execute(t, sendCmd(), "--no-delay", "--max", "40",
		"5511999990000", "Primeiro bloco.\n# Segundo\n# Terceiro")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDelivery)
	assert.Contains(t, err.Error(), "delivered 1 of 3 blocks via whatsapp")
	assert.Equal(t, int32(2), calls.Load(), "a rejected block is not resent")
}

func TestPipelineCommands(t *testing.T) {
	useConfig(t, nil)

	steps := [][]string{
		{"origin", "add", "instagram"},
		{"stage", "add", "novo"},
		{"stage", "add", "qualificado"},
		{"stage", "add", "fechado"},
		{"link", "instagram", "novo"},
		{"link", "instagram", "fechado"},
		{"link", "instagram", "qualificado", "--position", "2"},
		{"link", "instagram", "fechado", "--position", "3"},
	}
	for _, args := range steps {
		_, _, err := execute(t, pipelineCmd(), args...)
		require.NoError(t, err, args)
	}

	out, _, err := execute(t, pipelineCmd(), "stages", "instagram")
	require.NoError(t, err)
	assert.Equal(t, "  1  novo\n  2  qualificado\n  3  fechado\n", out)

	_, _, err = execute(t, pipelineCmd(), "stages", "facebook")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = execute(t, pipelineCmd(), "link", "instagram", "perdido")
	assert.Error(t, err)
}
