package results

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRunDirs(t *testing.T) {
	base := t.TempDir()
	at := time.Date(2026, 8, 23, 14, 30, 0, 0, time.UTC)

	dir, err := CreateRunDirs(base, "aapl", at, "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "AAPL", "2026-08-23_14.30"), dir)

	info, err := os.Stat(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(dir, "message_tool.log"))
	assert.NoError(t, err)
	assert.Equal(t, "run-1", RunID(dir))
}

func TestCreateRunDirsCollision(t *testing.T) {
	base := t.TempDir()
	at := time.Date(2026, 8, 23, 14, 30, 0, 0, time.UTC)

	first, err := CreateRunDirs(base, "AAPL", at, "run-1")
	require.NoError(t, err)
	second, err := CreateRunDirs(base, "AAPL", at, "run-2")
	require.NoError(t, err)
	third, err := CreateRunDirs(base, "AAPL", at, "run-3")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "AAPL", "2026-08-23_14.30"), first)
	assert.Equal(t, filepath.Join(base, "AAPL", "2026-08-23_14.30_2"), second)
	assert.Equal(t, filepath.Join(base, "AAPL", "2026-08-23_14.30_3"), third)

	assert.Equal(t, "run-2", RunID(second))
}

func TestRunIDMissingMarker(t *testing.T) {
	assert.Equal(t, "", RunID(t.TempDir()))
}

func TestWriteReportAndMessageLog(t *testing.T) {
	base := t.TempDir()
	dir, err := CreateRunDirs(base, "MSFT", time.Now(), "run-1")
	require.NoError(t, err)

	require.NoError(t, WriteReport(dir, "trader.md", "buy nothing"))
	data, err := os.ReadFile(filepath.Join(dir, "reports", "trader.md"))
	require.NoError(t, err)
	assert.Equal(t, "buy nothing", string(data))

	require.NoError(t, AppendMessageLog(dir, "line one"))
	require.NoError(t, AppendMessageLog(dir, "line two"))
	log, err := os.ReadFile(filepath.Join(dir, "message_tool.log"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(log))
}
