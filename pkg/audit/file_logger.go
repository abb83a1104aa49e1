package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes audit events as JSON lines to a rotated file
type FileLogger struct {
	path    string
	out     *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
	closed  bool
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Path       string // Log file path
	MaxSizeMB  int    // Size in megabytes before rotation (default: 100)
	MaxBackups int    // Rotated files to keep (default: 10)
	MaxAgeDays int    // Days to keep rotated files; 0 keeps them forever
	Compress   bool   // Gzip rotated files
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		Path:       "/var/log/shopkeep/audit.log",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 90,
		Compress:   true,
	}
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if config.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	if config.MaxSizeMB == 0 {
		config.MaxSizeMB = 100
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 10
	}

	out := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}

	return &FileLogger{
		path:    config.Path,
		out:     out,
		encoder: json.NewEncoder(out),
	}, nil
}

// Log appends an audit event to the file
func (l *FileLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("audit file logger is closed")
	}
	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Rotate starts a new file immediately
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}

// Close closes the file logger
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}

// ReadLogs reads up to count events from the current file; count <= 0 reads all
func (l *FileLogger) ReadLogs(count int) ([]*Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	decoder := json.NewDecoder(file)

	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &event)

		if count > 0 && len(events) >= count {
			break
		}
	}

	return events, nil
}
