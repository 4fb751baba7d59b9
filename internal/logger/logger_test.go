package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	req := require.New(t)
	file := filepath.Join(t.TempDir(), "chat.log")

	log, err := New(Options{Level: "info", File: file, Production: true})
	req.NoError(err)
	log.Debug("hidden")
	log.Info("session opened")
	_ = log.Sync()

	raw, err := os.ReadFile(file)
	req.NoError(err)
	req.Contains(string(raw), `"message":"session opened"`)
	req.NotContains(string(raw), "hidden")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
}
