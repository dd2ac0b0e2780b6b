package leaderboard

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Export writes a plain-text results block for one session.
func Export(w io.Writer, sessionKey string, entries []Entry, at time.Time) error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Quiz Results - Session %s\n", sessionKey))
	sb.WriteString(fmt.Sprintf("Finished: %s\n", at.Format("2006-01-02 15:04:05")))
	sb.WriteString(strings.Repeat("=", 50) + "\n")
	if len(entries) == 0 {
		sb.WriteString("(no scores)\n")
	}
	for i, e := range entries {
		sb.WriteString(fmt.Sprintf("%2d. %s: %d\n", i+1, e.Name, e.Score))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// ExportFile appends the results block to filename, separating it from
// earlier sessions with a blank line.
func ExportFile(filename, sessionKey string, entries []Entry) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	fileExists := false
	if st, err := os.Stat(filename); err == nil && st.Size() > 0 {
		fileExists = true
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if fileExists {
		if _, err := io.WriteString(file, "\n"); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
	}
	if err := Export(file, sessionKey, entries, time.Now()); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Text renders entries the way the in-game board shows them.
func Text(entries []Entry) string {
	var sb strings.Builder
	sb.WriteString("Leaderboard:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %d\n", e.Name, e.Score)
	}
	return sb.String()
}
