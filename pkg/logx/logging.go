package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level and sinks. With neither sink enabled output goes
// to the console.
type Config struct {
	Level   string // trace | debug | info | warn | error
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./pewtask.log
}

const (
	defaultFilePath = "./pewtask.log"
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

var globalsOnce sync.Once

func initGlobals() {
	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
	})
}

// Field writes one key into an event.
type Field func(e *zerolog.Event)

func String(k, v string) Field          { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strs(k string, v []string) Field    { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field         { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field     { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field  { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field         { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

// Err is a no-op for a nil error.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// source yields the zerolog logger events are written to. A Service is a
// source that changes on Apply.
type source interface {
	zl() *zerolog.Logger
}

type fixedSource struct{ l zerolog.Logger }

func (f *fixedSource) zl() *zerolog.Logger { return &f.l }

var nopSource = &fixedSource{l: zerolog.Nop()}

// Logger is a value type; copies share the sink. The zero value discards.
type Logger struct {
	src    source
	fields []Field
}

func Nop() Logger { return Logger{src: nopSource} }

// NewConsole returns a stderr logger for the CLI and early startup.
func NewConsole(level string) Logger {
	initGlobals()
	return New(consoleLogger(os.Stderr, parseLevel(level, zerolog.InfoLevel)))
}

// New wraps zl. Tests use it to capture output.
func New(zl zerolog.Logger) Logger { return Logger{src: &fixedSource{l: zl}} }

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) target() *zerolog.Logger {
	if l.src == nil {
		return nopSource.zl()
	}
	return l.src.zl()
}

func (l Logger) Enabled(level Level) bool { return level >= l.target().GetLevel() }

// With returns a child logger carrying fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	child := Logger{src: l.src, fields: make([]Field, 0, len(l.fields)+len(fields))}
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return child
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	e := l.target().WithLevel(level)
	if e == nil {
		return
	}
	// emit <- Info/Warn/... <- caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the process sinks. Loggers from it follow Apply.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	cur atomic.Pointer[zerolog.Logger]
}

func NewService(cfg Config) (*Service, Logger) {
	initGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) zl() *zerolog.Logger { return s.cur.Load() }

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply rebuilds the sinks. The log file stays open when its path is
// unchanged; a file that cannot be opened is reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	wantPath := ""
	if cfg.File.Enabled {
		wantPath = strings.TrimSpace(cfg.File.Path)
		if wantPath == "" {
			wantPath = defaultFilePath
		}
	}
	if wantPath != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
			s.file, s.filePath = nil, ""
		}
		if wantPath != "" {
			f, err := openLogFile(wantPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logx: %v\n", err)
			} else {
				s.file, s.filePath = f, wantPath
			}
		}
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close closes the log file. Later events still reach the console sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	zl := consoleLogger(os.Stdout, s.cur.Load().GetLevel())
	s.cur.Store(&zl)
	return err
}

func consoleLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter(w)).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   "15:04:05.000",
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
