// Package logger строит журнал процесса на slog с выводом в консоль и
// файл с ротацией.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config параметры журнала
type Config struct {
	Level   string
	Outputs []string // stdout, stderr, file

	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel переводит строку в уровень slog
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("неизвестный уровень журнала: %q", level)
	}
}

// Logger журнал процесса и закрываемые им файлы
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New создает журнал. Без выходов пишет в stdout.
func New(config Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	outputs := config.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	l := &Logger{}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if config.File == "" {
				return nil, errors.New("вывод file требует имя файла")
			}
			if l.file == nil {
				l.file = &lumberjack.Logger{
					Filename:   config.File,
					MaxSize:    config.MaxSizeMB,
					MaxBackups: config.MaxBackups,
					MaxAge:     config.MaxAgeDays,
					Compress:   config.Compress,
				}
				writers = append(writers, l.file)
			}
		default:
			return nil, fmt.Errorf("неизвестный вывод журнала: %q", out)
		}
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	l.Logger = slog.New(handler)
	return l, nil
}

// Close закрывает файл журнала
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
