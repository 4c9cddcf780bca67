// Package logging provides leveled logging on top of the standard logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logFile *os.File
	once    sync.Once
)

// Initialize mirrors log output into logDir/levity.log in addition to stdout.
func Initialize(logDir string) error {
	var initErr error
	once.Do(func() {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}

		logPath := filepath.Join(logDir, "levity.log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			initErr = fmt.Errorf("failed to open log file: %w", err)
			return
		}
		logFile = file

		log.SetOutput(io.MultiWriter(os.Stdout, file))
		log.Printf("INFO: logging initialized: %s", logPath)
	})
	return initErr
}

// Close closes the log file opened by Initialize, if any.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// DebugEnabled reports whether debug output is switched on through the environment.
func DebugEnabled() bool {
	return os.Getenv("DEBUG") == "true" || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug")
}

// Logger prefixes every line with a level and the owning component.
type Logger struct {
	component string
}

// New returns a Logger for component.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) output(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		log.Printf("%s: %s: %s", level, l.component, msg)
		return
	}
	log.Printf("%s: %s", level, msg)
}

func (l *Logger) Debugf(format string, args ...any) {
	if DebugEnabled() {
		l.output("DEBUG", format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) { l.output("INFO", format, args...) }

func (l *Logger) Warnf(format string, args ...any) { l.output("WARN", format, args...) }

func (l *Logger) Errorf(format string, args ...any) { l.output("ERROR", format, args...) }
