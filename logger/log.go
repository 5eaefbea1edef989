package logger

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromiumos/camalgo/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the format and level of the process logger. Both the server and its adapter children parse it
// from the same flags, so their lines interleave consistently in the system log.
type Config struct {
	Format string `help:"Format to write log lines in" enum:"console,json" default:"console"`
	Level  string `help:"Lowest log level that will be emitted" enum:"debug,info,warn,error" default:"info"`
}

func (cfg *Config) Configure() error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return errors.WithStack(err)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format != "console" && format != "json" {
		return errors.NewInvalidConfigurationError("log-format must be one of 'console' or 'json'")
	}
	setup(level, format)
	return nil
}

var (
	lock  sync.Mutex
	base  *zap.Logger
	sugar *zap.SugaredLogger
	debug atomic.Bool
)

func init() {
	setup(zapcore.InfoLevel, "console")
}

func setup(level zapcore.Level, format string) {
	lock.Lock()
	defer lock.Unlock()
	base = newZapLogger(level, format)
	sugar = base.Sugar()
	debug.Store(base.Core().Enabled(zapcore.DebugLevel))
}

func newZapLogger(level zapcore.Level, format string) *zap.Logger {
	encoderConf := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     encodeTime,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConf)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConf)
	}
	// Lines go to stderr, which the camera service forwards to syslog
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core)
}

func encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000000"))
}

// Logger is a named logger for one component, e.g. "CameraDispatcher". It keeps the level and format the process
// logger had when it was created.
type Logger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

func GetLogger(name string) *Logger {
	lock.Lock()
	defer lock.Unlock()
	named := base.Named(name)
	return &Logger{logger: named, sugar: named.Sugar()}
}

// With returns a child logger that adds the key/value pairs to every line.
func (l *Logger) With(args ...interface{}) *Logger {
	s := l.sugar.With(args...)
	return &Logger{logger: s.Desugar(), sugar: s}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *Logger) Info(args ...interface{}) {
	l.sugar.Info(args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.sugar.Warn(args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.sugar.Error(args...)
}

// DebugEnabled lets callers skip building debug arguments.
func DebugEnabled() bool {
	return debug.Load()
}

func current() *zap.SugaredLogger {
	lock.Lock()
	defer lock.Unlock()
	return sugar
}

func Debug(args ...interface{}) {
	if debug.Load() {
		current().Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if debug.Load() {
		current().Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	current().Info(args...)
}

func Infof(format string, args ...interface{}) {
	current().Infof(format, args...)
}

func Warn(args ...interface{}) {
	current().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

func Error(args ...interface{}) {
	current().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}
