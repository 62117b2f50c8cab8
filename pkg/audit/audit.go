package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

// Entry is one audit record. The gateway only appends; the file exists
// for operator inspection.
type Entry struct {
	Instant  time.Time `json:"instant"`
	Tenant   string    `json:"tenant"`
	Event    string    `json:"event"`
	ServerID string    `json:"serverId,omitempty"`
	ToolName string    `json:"toolName,omitempty"`
	Outcome  string    `json:"outcome"`
}

// Logger appends JSON lines to a file, rotating to a single .1 generation
// when maxSize is exceeded. A zero Logger (no file configured) records to
// the process log instead.
type Logger struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
}

func NewLogger(path string, maxSize int64) *Logger {
	return &Logger{path: path, maxSize: maxSize}
}

// Record writes one entry. Failures are logged, never surfaced: auditing
// must not fail requests.
func (l *Logger) Record(entry Entry) {
	if entry.Instant.IsZero() {
		entry.Instant = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Logf("! Failed to encode audit entry: %v", err)
		return
	}

	if l == nil || l.path == "" {
		log.Logf("- audit %s", line)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(line); err != nil {
		log.Logf("! Failed to write audit entry: %v", err)
	}
}

func (l *Logger) appendLocked(line []byte) error {
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		l.file = f
	}

	if l.maxSize > 0 {
		if stat, err := l.file.Stat(); err == nil && stat.Size()+int64(len(line))+1 > l.maxSize {
			if err := l.rotateLocked(); err != nil {
				return fmt.Errorf("rotating audit log: %w", err)
			}
		}
	}

	_, err := l.file.Write(append(line, '\n'))
	return err
}

func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
