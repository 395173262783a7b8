// Package logging sets up the daemon's rotating file sink on top of the
// standard library logger, with a thin debug-level gate.
package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

const defaultMaxLogSize = 2 * 1024 * 1024 // 2MB

// RotatingWriter caps a log file at maxSize, keeping exactly one rotated
// backup (path + ".1").
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
}

// Level gates which lines Debugf emits; lines written with stdlib
// log.Printf are always emitted, matching the teacher's habit of using
// log.Printf everywhere and only this package adding a debug toggle.
type Level int

const (
	LevelInfo Level = iota
	LevelDebug
)

var (
	currentLevel   = LevelInfo
	currentLevelMu sync.RWMutex
)

// SetLevel parses "debug"/"info" (anything else falls back to info), the
// same permissive string the teacher's LOG_LEVEL config value always was.
func SetLevel(s string) {
	currentLevelMu.Lock()
	defer currentLevelMu.Unlock()
	if s == "debug" {
		currentLevel = LevelDebug
		return
	}
	currentLevel = LevelInfo
}

// Debugf logs only when the level is debug; otherwise it is a no-op.
func Debugf(format string, args ...any) {
	currentLevelMu.RLock()
	lvl := currentLevel
	currentLevelMu.RUnlock()
	if lvl != LevelDebug {
		return
	}
	log.Printf(format, args...)
}

// Setup opens logPath for append, truncating it first if it has already
// grown past maxSize (so a crash loop doesn't leave an unbounded file),
// and wires stdlib log output to stdout + the rotating file.
func Setup(logPath string) (*RotatingWriter, error) {
	return SetupWithSize(logPath, defaultMaxLogSize)
}

// SetupWithSize is Setup with an overridable cap, used by tests.
func SetupWithSize(logPath string, maxSize int64) (*RotatingWriter, error) {
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxSize {
		os.Truncate(logPath, 0)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	rw := &RotatingWriter{
		file:    f,
		path:    logPath,
		size:    size,
		maxSize: maxSize,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rw))

	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	os.Rename(w.path, w.path+".1")

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
