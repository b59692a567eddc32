package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunIDTimeFormat is the timestamp portion of a run id. Dots in the time part
// keep ids filesystem-safe on every platform.
const RunIDTimeFormat = "2006-01-02_15.04.05"

// GenerateRunID builds a sortable, human-legible run id:
// <TICKER>--<timestamp>--<short suffix>. The random suffix protects against
// same-second collisions under bursts.
func GenerateRunID(ticker string) string {
	ts := time.Now().Format(RunIDTimeFormat)
	short := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("%s--%s--%s", strings.ToUpper(ticker), ts, short)
}
