package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	logrus "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	// Default logging to discard until a mount enables it
	logrus.SetOutput(io.Discard)
}

// SetupLogging routes logrus output for a mount. Foreground mounts log to
// stderr; background mounts log to cfg.LogFile, rotated by size. Level "off"
// discards everything. The returned closer flushes the log file.
func SetupLogging(cfg *Config, foreground bool) (io.Closer, error) {
	if cfg.LogLevel == "off" {
		logrus.SetOutput(io.Discard)
		return io.NopCloser(nil), nil
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})

	if foreground {
		logrus.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		LocalTime:  true,
	}
	logrus.SetOutput(rotator)
	return rotator, nil
}
