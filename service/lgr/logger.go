package lgr

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mdobak/go-xerrors"
	"github.com/natefinch/lumberjack"
)

// Logger is the process logger. It is initialized once at package load and
// shared by every component; components never construct their own loggers.
var Logger *slog.Logger

var levelColors = map[slog.Level]func(format string, a ...interface{}) string{
	slog.LevelDebug: color.HiBlackString,
	slog.LevelInfo:  color.CyanString,
	slog.LevelWarn:  color.YellowString,
	slog.LevelError: color.RedString,
}

func init() {
	var w io.Writer = &lumberjack.Logger{
		Filename:   logFile(),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     7,    // days
		Compress:   true, // compress old logs
	}

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	// In dev, tee a colorized line to stderr in addition to the JSON file
	if env := os.Getenv("RUN_TIME_ENV"); env == "dev" || env == "" {
		Logger = slog.New(&teeHandler{file: handler, level: level})
		return
	}

	Logger = slog.New(handler)
}

func logFile() string {
	if f := os.Getenv("LOG_FILE"); f != "" {
		return f
	}
	return "va-go.log"
}

// Err wraps an error with a captured stack trace so slog output carries the
// origin of the failure, not just its message.
func Err(err error) slog.Attr {
	return slog.Any("error", xerrors.New(err))
}

type teeHandler struct {
	file  slog.Handler
	level slog.Level
}

func (h *teeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	colorize, ok := levelColors[r.Level]
	if !ok {
		colorize = color.WhiteString
	}

	line := colorize("%s %s", r.Level.String(), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += color.HiBlackString(" %s=%v", a.Key, a.Value)
		return true
	})
	os.Stderr.WriteString(line + "\n")

	return h.file.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{file: h.file.WithAttrs(attrs), level: h.level}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{file: h.file.WithGroup(name), level: h.level}
}
