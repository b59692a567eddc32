// Package results manages the on-disk artifact layout of runs. Each run gets
// results/<TICKER>/<date>_<HH.MM>/ with a reports/ subdirectory, a
// message_tool.log file and a RUN_ID marker tying the directory back to its
// run.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerFile names the file holding the owning run's id.
const MarkerFile = "RUN_ID"

// dirTimeFormat is the per-run directory name, minute resolution.
const dirTimeFormat = "2006-01-02_15.04"

// CreateRunDirs creates the artifact directory tree for a run and returns its
// path. Two runs of the same ticker within the same minute get _2, _3 suffixes
// rather than sharing a directory.
func CreateRunDirs(base, ticker string, at time.Time, runID string) (string, error) {
	tickerDir := filepath.Join(base, strings.ToUpper(ticker))
	if err := os.MkdirAll(tickerDir, 0o755); err != nil {
		return "", fmt.Errorf("create ticker dir: %w", err)
	}

	stamp := at.Format(dirTimeFormat)
	runDir := filepath.Join(tickerDir, stamp)
	for n := 2; ; n++ {
		if err := os.Mkdir(runDir, 0o755); err == nil {
			break
		} else if !os.IsExist(err) {
			return "", fmt.Errorf("create run dir: %w", err)
		}
		runDir = filepath.Join(tickerDir, fmt.Sprintf("%s_%d", stamp, n))
	}

	if err := os.Mkdir(filepath.Join(runDir, "reports"), 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "message_tool.log"), nil, 0o644); err != nil {
		return "", fmt.Errorf("create message log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, MarkerFile), []byte(runID+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write run marker: %w", err)
	}
	return runDir, nil
}

// RunID reads the marker of a run directory, empty when absent.
func RunID(runDir string) string {
	data, err := os.ReadFile(filepath.Join(runDir, MarkerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteReport writes one named report file under the run's reports directory.
func WriteReport(runDir, name, content string) error {
	return os.WriteFile(filepath.Join(runDir, "reports", name), []byte(content), 0o644)
}

// AppendMessageLog appends a line to the run's message_tool.log.
func AppendMessageLog(runDir, line string) error {
	f, err := os.OpenFile(filepath.Join(runDir, "message_tool.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}
