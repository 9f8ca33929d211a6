package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTeeHandler(t *testing.T) {
	var info, debug bytes.Buffer
	logger := slog.New(teeHandler{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})

	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger.With("retailer", "heb").Debug("page fetched", "page", 2)
	logger.Info("sweep finished")

	require.NotContains(t, info.String(), "page fetched")
	require.Contains(t, info.String(), "sweep finished")
	require.Contains(t, debug.String(), `"retailer":"heb"`)
	require.Equal(t, 2, strings.Count(debug.String(), "\n"))
}

func TestInitSlogWithFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "logs", "sweep.log")
	closeLog, err := InitSlogWithFile(false, path)
	if err != nil {
		t.Fatal(err)
	}
	slog.Debug("only in the file", "n", 1)
	err = closeLog()
	if err != nil {
		t.Fatal(err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Contains(t, string(contents), "only in the file")
}
