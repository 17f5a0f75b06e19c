package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logs is the root logger plus the file it mirrors to. A zero path keeps
// output on stdout only.
type Logs struct {
	Logger hclog.Logger

	path string
	mu   sync.Mutex
	file *os.File
}

// New sets up dual logging to stdout and the log file at path.
func New(path, level string) *Logs {
	l := &Logs{path: path}

	var out io.Writer = os.Stdout
	var warn string
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			warn = fmt.Sprintf("cannot create log directory: %v", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			warn = fmt.Sprintf("cannot open log file %s: %v", path, err)
		} else {
			l.file = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	l.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "portknox",
		Level:  hclog.LevelFromString(level),
		Output: out,
	})
	if warn != "" {
		l.Logger.Warn(warn)
	} else if l.file != nil {
		l.Logger.Info("logging to file", "path", path)
	}
	return l
}

// ReadTail returns the last n lines from the log file.
func (l *Logs) ReadTail(n int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		return "", nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func (l *Logs) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := l.file.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if l.path == "" {
		return nil
	}
	return os.Truncate(l.path, 0)
}

// Close releases the log file handle.
func (l *Logs) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
