// Package logbook persists launcher output to append-only text files under
// .exthost/logs/launchers so it survives host restarts.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps launcher level names onto a Level. Unknown names are info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "warn", "warning":
		return LevelWarn
	case "error", "err", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName turns a launcher id into a file name inside the logs directory.
func FileName(id string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(id), "_"), "._")
	if name == "" {
		name = "launcher"
	}
	return name + ".log"
}

// Logbook appends lines to a single file.
type Logbook struct {
	path string
	mu   sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure %s: %w", filepath.Dir(path), err)
	}
	return &Logbook{path: path}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Record writes one line per line of message, all stamped with at. A
// non-empty stream is written in brackets after the level.
func (l *Logbook) Record(at time.Time, level Level, stream, message string) error {
	if l == nil {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	prefix := fmt.Sprintf("%s %-5s ", at.UTC().Format(time.RFC3339), string(level))
	if stream = strings.TrimSpace(stream); stream != "" {
		prefix += "[" + stream + "] "
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(message, "\r\n"), "\n") {
		b.WriteString(prefix)
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logbook: open %s: %w", l.path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(b.String()); err != nil {
		return fmt.Errorf("logbook: write %s: %w", l.path, err)
	}
	return nil
}

// Tail returns up to maxLines of the most recent lines and the total line
// count of the file.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	if len(lines) == 0 {
		return nil, total
	}
	return lines, total
}

// Info appends an informational entry stamped with the current time.
func (l *Logbook) Info(format string, args ...any) error {
	return l.Record(time.Now(), LevelInfo, "", fmt.Sprintf(format, args...))
}

// Error appends an error entry stamped with the current time.
func (l *Logbook) Error(format string, args ...any) error {
	return l.Record(time.Now(), LevelError, "", fmt.Sprintf(format, args...))
}
