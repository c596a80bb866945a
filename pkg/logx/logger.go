package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var setupOnce sync.Once

func setupGlobals() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// Logger writes through a shared slot, so loggers derived with With follow a
// Service's reconfiguration. The zero value discards everything.
type Logger struct {
	out    *atomic.Pointer[zerolog.Logger]
	fields []Field
}

func fixed(zl zerolog.Logger) Logger {
	p := new(atomic.Pointer[zerolog.Logger])
	p.Store(&zl)
	return Logger{out: p}
}

func Nop() Logger { return fixed(zerolog.Nop()) }

// NewConsole is a human-readable stdout logger for use before config loads.
func NewConsole(level string) Logger {
	setupGlobals()
	return fixed(build(consoleWriter(os.Stdout), level))
}

// NewWriter logs JSON lines to w at level (DEBUG when empty).
func NewWriter(w io.Writer, level string) Logger {
	setupGlobals()
	return fixed(zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger())
}

func (l Logger) IsZero() bool { return l.out == nil && len(l.fields) == 0 }

func (l Logger) zl() *zerolog.Logger {
	if l.out == nil {
		return nil
	}
	return l.out.Load()
}

func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return zl != nil && level >= zl.GetLevel()
}

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) > 0 {
		l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	}
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// frame 2 is the caller of Debug/Info/Warn/Error
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(v any) string { s, _ := v.(string); return s },
	}
}

// parseLevel accepts zerolog names in any case plus WARNING.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
