package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRunID(t *testing.T) {
	id := GenerateRunID("aapl")
	parts := strings.Split(id, "--")
	require.Len(t, parts, 3)
	assert.Equal(t, "AAPL", parts[0])
	assert.Len(t, parts[1], len(RunIDTimeFormat))
	assert.Len(t, parts[2], 6)
}

func TestGenerateRunIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRunID("MSFT")
		assert.False(t, seen[id], id)
		seen[id] = true
	}
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityError.AtLeast(SeverityInfo))
	assert.True(t, SeverityInfo.AtLeast(SeverityInfo))
	assert.False(t, SeverityDebug.AtLeast(SeverityInfo))

	sev, ok := ParseSeverity(" warn ")
	assert.True(t, ok)
	assert.Equal(t, SeverityWarn, sev)
	_, ok = ParseSeverity("loud")
	assert.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}
