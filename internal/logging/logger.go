package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pyra-labs/protocol-api-sub000/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Option func(*options)

type options struct {
	alerter Alerter
	stdout  io.Writer
}

// WithAlerts forwards error-level records to alerter.
func WithAlerts(alerter Alerter) Option {
	return func(o *options) {
		o.alerter = alerter
	}
}

func withStdout(w io.Writer) Option {
	return func(o *options) {
		o.stdout = w
	}
}

func New(serviceName string, cfg config.LogConfig, opts ...Option) (*slog.Logger, func() error, error) {
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg, o.stdout)
	if err != nil {
		return nil, nil, err
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = "text"
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(writer, handlerOptions)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOptions)
	default:
		_ = closeWriter()
		return nil, nil, fmt.Errorf("invalid log format %q (expected text|json)", cfg.Format)
	}

	closeAll := closeWriter
	if o.alerter != nil {
		alerts := newAlertHandler(handler, serviceName, o.alerter, defaultAlertQueueSize)
		handler = alerts
		closeAll = func() error {
			return errors.Join(alerts.Close(), closeWriter())
		}
	}

	logger := slog.New(handler).With("service", serviceName)
	return logger, closeAll, nil
}

func openWriter(serviceName string, cfg config.LogConfig, stdout io.Writer) (io.Writer, func() error, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	if output == "" {
		output = "console"
	}

	switch output {
	case "console":
		return stdout, func() error { return nil }, nil
	case "file":
		file, err := openLogFile(serviceName, cfg)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case "both":
		file, err := openLogFile(serviceName, cfg)
		if err != nil {
			return nil, nil, err
		}
		multi := io.MultiWriter(stdout, file)
		return multi, file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

func openLogFile(serviceName string, cfg config.LogConfig) (*lumberjack.Logger, error) {
	logPath := strings.TrimSpace(cfg.FilePath)
	if logPath == "" {
		logPath = filepath.Join(".docker", serviceName, serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}

	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
