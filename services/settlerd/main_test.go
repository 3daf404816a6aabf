package settlerd

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenArchiveLogsThroughServiceLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil)).With(slog.String("service", "settlerd"))

	store, err := openArchive(ArchiveConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "archive.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.Contains(t, buf.String(), `"msg":"archive opened"`)
	require.Contains(t, buf.String(), `"service":"settlerd"`)
	require.Contains(t, buf.String(), `"driver":"bolt"`)
}
