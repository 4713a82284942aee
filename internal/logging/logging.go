// Package logging wraps logrus so the rest of zrelay imports one logging
// surface. Callers typically alias it: log "github.com/zrelay/zrelay/internal/logging".
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDirName  = "logs"
	logFileName = "zrelay.log"
)

var logger = logrus.StandardLogger()

// SetupBaseLogger configures the process-wide logger: text formatter with
// timestamps, level from ZRELAY_LOG_LEVEL (default info).
func SetupBaseLogger() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(levelFromEnv())
}

func levelFromEnv() logrus.Level {
	raw := strings.TrimSpace(os.Getenv("ZRELAY_LOG_LEVEL"))
	if raw == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SetDebug raises the log level to debug when enabled; it never lowers a
// level already set more verbose via ZRELAY_LOG_LEVEL.
func SetDebug(enabled bool) {
	if enabled && logger.GetLevel() < logrus.DebugLevel {
		logger.SetLevel(logrus.DebugLevel)
	}
}

// ConfigureLogOutput redirects log output to a rotating file when toFile is
// set. Rotation is handled by lumberjack: 50 MiB per file, 5 backups, 14 days.
func ConfigureLogOutput(toFile bool) error {
	if !toFile {
		logger.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(logDirName, 0o755); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDirName, logFileName),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return nil
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) { logger.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { logger.Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { logger.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }

// Fatalf logs at fatal level and exits.
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry { return logger.WithError(err) }

// WithField returns an entry with one structured field attached.
func WithField(key string, value any) *logrus.Entry { return logger.WithField(key, value) }

// WithFields returns an entry with several structured fields attached.
func WithFields(fields logrus.Fields) *logrus.Entry { return logger.WithFields(fields) }
