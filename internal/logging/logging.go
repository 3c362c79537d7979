// Package logging configures the zerolog baseline for the agent: a
// stdout writer (the panel's console view tails container stdout) plus
// a size-bounded rotating file sink under the data directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const (
	// defaultMaxBytes keeps the active log small enough for the
	// panel's inline log viewer, which truncates large files.
	defaultMaxBytes = 128 * 1024

	// maxRotations is the number of .N files kept after rotation.
	maxRotations = 5

	timeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Config controls logger initialization.
type Config struct {
	Level    string // "debug", "info", "warn", "error"
	FilePath string // optional rotating log file path
	MaxBytes int64  // rotate after this many bytes (default 128 KiB)
}

var (
	mu         sync.Mutex
	fileCloser io.Closer

	isTerminalFn = term.IsTerminal
	statFn       = os.Stat
	renameFn     = os.Rename
)

// Init configures zerolog globals and installs the package baseline
// logger. Safe to call more than once; the previous file sink is
// closed after the new one takes over.
func Init(cfg Config) (zerolog.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = timeFormat
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := stdoutWriter()

	previousCloser := fileCloser
	fileCloser = nil

	if cfg.FilePath != "" {
		fw, err := newRotatingFileWriter(cfg.FilePath, cfg.MaxBytes)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("configure log file output: %w", err)
		}
		writer = io.MultiWriter(writer, fw)
		fileCloser = fw
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = logger

	if previousCloser != nil {
		if err := previousCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: close previous log file: %v\n", err)
		}
	}

	return logger, nil
}

// Shutdown closes the file sink, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: close log file: %v\n", err)
		}
		fileCloser = nil
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", level, "info")
		return zerolog.InfoLevel
	}
}

func stdoutWriter() io.Writer {
	if isTerminalFn(int(os.Stdout.Fd())) {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	}
	return os.Stdout
}

// rotatingFileWriter appends to a single log file and shifts it into
// numbered backups (.1 newest through .5 oldest) when it exceeds the
// size cap. Rotation is checked inline on each write; there is no
// background goroutine to manage.
type rotatingFileWriter struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	currentSize int64
	maxBytes    int64
}

func newRotatingFileWriter(path string, maxBytes int64) (*rotatingFileWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &rotatingFileWriter{path: path, maxBytes: maxBytes}
	if err := w.openLocked(); err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return w, nil
}

func (w *rotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openLocked(); err != nil {
			return 0, fmt.Errorf("reopen log file %s: %w", w.path, err)
		}
	}

	if w.currentSize+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log file %s: %w", w.path, err)
		}
	}

	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *rotatingFileWriter) openLocked() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = file

	info, err := file.Stat()
	if err != nil {
		w.currentSize = 0
		return nil
	}
	w.currentSize = info.Size()
	return nil
}

// rotateLocked shifts agent.log.N -> agent.log.N+1 (dropping .5) and
// moves the active file to .1 before reopening a fresh one.
func (w *rotatingFileWriter) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close before rotation: %w", err)
		}
		w.file = nil
		w.currentSize = 0
	}

	for i := maxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", w.path, i)
		if _, err := statFn(from); err != nil {
			continue
		}
		to := fmt.Sprintf("%s.%d", w.path, i+1)
		if err := renameFn(from, to); err != nil {
			fmt.Fprintf(os.Stderr, "logging: shift rotated log %s -> %s: %v\n", from, to, err)
		}
	}

	if _, err := statFn(w.path); err == nil {
		if err := renameFn(w.path, w.path+".1"); err != nil {
			return fmt.Errorf("rename to .1: %w", err)
		}
	}

	return w.openLocked()
}

func (w *rotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
