// Package audit records every query attempt as an append-only JSON Lines
// stream. Events are self-contained: one line carries the caller, the SQL
// (and its hash), every gate outcome, and the result, so a single grep
// answers "what happened to this query".
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgguard/pgguard/internal/model"
)

// Backend selects where audit lines go.
const (
	BackendStdout   = "stdout"
	BackendFile     = "file"
	BackendDatabase = "database" // reserved; currently a no-op sink
)

// Config controls the audit logger.
type Config struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Backend      string `yaml:"backend" json:"backend"`
	Path         string `yaml:"path" json:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes" json:"max_size_bytes"`
	MaxFiles     int    `yaml:"max_files" json:"max_files"`
	// LogSQL controls whether raw SQL is stored; the hash is always kept.
	LogSQL bool `yaml:"log_sql" json:"log_sql"`
}

// defaults applied when the config leaves them zero.
const (
	defaultMaxSizeBytes = 64 << 20
	defaultMaxFiles     = 5
	queueSize           = 1024
)

// sink is a destination for encoded audit lines.
type sink interface {
	write(line []byte) error
	close() error
}

// Logger dispatches events to a background writer through a buffered
// channel, so the request path never blocks on disk I/O. When the buffer
// is full the event is dropped and counted; auditing must not take the
// gateway down with it.
type Logger struct {
	cfg     Config
	sink    sink
	events  chan model.AuditEvent
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// New builds a Logger for the configured backend and starts its writer.
// A disabled config yields a logger that discards everything, so callers
// never need a nil check.
func New(cfg Config) (*Logger, error) {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = defaultMaxSizeBytes
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}

	var (
		s   sink
		err error
	)
	switch {
	case !cfg.Enabled:
		s = noopSink{}
	case cfg.Backend == BackendFile:
		s, err = newFileSink(cfg.Path, cfg.MaxSizeBytes, cfg.MaxFiles)
	case cfg.Backend == BackendDatabase:
		s = noopSink{}
	case cfg.Backend == BackendStdout, cfg.Backend == "":
		s = stdoutSink{}
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	l := &Logger{
		cfg:    cfg,
		sink:   s,
		events: make(chan model.AuditEvent, queueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues one event. Missing timestamps and hashes are filled in; a
// full queue drops the event rather than blocking the caller.
func (l *Logger) Log(ev model.AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Query.SQLHash == "" && ev.Query.SQL != "" {
		ev.Query.SQLHash = model.HashSQL(ev.Query.SQL)
	}
	if !l.cfg.LogSQL {
		ev.Query.SQL = ""
	}

	select {
	case l.events <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on queue overflow.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains queued events and closes the sink.
func (l *Logger) Close() error {
	l.once.Do(func() {
		close(l.events)
		<-l.done
	})
	return l.sink.close()
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.events {
		line, err := json.Marshal(ev)
		if err != nil {
			slog.Error("audit encode failed", "error", err)
			continue
		}
		if err := l.sink.write(append(line, '\n')); err != nil {
			slog.Error("audit write failed", "error", err)
		}
	}
}

// ---- sinks ----

type noopSink struct{}

func (noopSink) write([]byte) error { return nil }
func (noopSink) close() error       { return nil }

type stdoutSink struct{}

func (stdoutSink) write(line []byte) error {
	_, err := os.Stdout.Write(line)
	return err
}
func (stdoutSink) close() error { return nil }

// fileSink appends to a JSONL file and rotates it when the in-process
// byte counter passes the threshold. The counter is approximate: it
// starts from the file's size at open and only tracks this process's
// writes, which is accurate enough for a size trigger.
type fileSink struct {
	path     string
	maxSize  int64
	maxFiles int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newFileSink(path string, maxSize int64, maxFiles int) (*fileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit file backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	s := &fileSink{path: path, maxSize: maxSize, maxFiles: maxFiles}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

func (s *fileSink) write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size+int64(len(line)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	return err
}

// rotate shifts numbered files up and starts a fresh current file:
// audit.2.jsonl is dropped (at maxFiles), audit.1.jsonl becomes
// audit.2.jsonl, the current file becomes audit.1.jsonl.
func (s *fileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close audit file for rotation: %w", err)
	}

	oldest := s.rotatedName(s.maxFiles - 1)
	_ = os.Remove(oldest)
	for i := s.maxFiles - 2; i >= 1; i-- {
		_ = os.Rename(s.rotatedName(i), s.rotatedName(i+1))
	}
	if err := os.Rename(s.path, s.rotatedName(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit file: %w", err)
	}

	return s.open()
}

// rotatedName inserts the rotation number before the extension:
// /var/log/audit.jsonl -> /var/log/audit.1.jsonl.
func (s *fileSink) rotatedName(n int) string {
	ext := filepath.Ext(s.path)
	base := s.path[:len(s.path)-len(ext)]
	return fmt.Sprintf("%s.%d%s", base, n, ext)
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
