// Leveled log wrapper over the standard library logger.
//
// There are five levels: FATAL, ERROR, WARN, INFO, DEBUG. The default level
// is INFO; change it with SetLevel/SetLevelByString or the `LOG_LEVEL`
// environment variable.

package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

const (
	Ldate         = log.Ldate
	Ltime         = log.Ltime
	Lmicroseconds = log.Lmicroseconds
	Lshortfile    = log.Lshortfile
	LstdFlags     = log.LstdFlags
)

type LogLevel int

const (
	LogFatal LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
)

func (l LogLevel) tag() string {
	switch l {
	case LogFatal:
		return "fatal"
	case LogError:
		return "error"
	case LogWarn:
		return "warning"
	case LogInfo:
		return "info"
	default:
		return "debug"
	}
}

func StringToLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "fatal":
		return LogFatal
	case "error":
		return LogError
	case "warn", "warning":
		return LogWarn
	case "info":
		return LogInfo
	case "debug":
		return LogDebug
	}
	return LogDebug
}

type Logger struct {
	out   *log.Logger
	level LogLevel
}

// NewLogger writes to w. The initial level comes from the LOG_LEVEL
// environment variable and defaults to INFO.
func NewLogger(w io.Writer, prefix string) *Logger {
	level := LogInfo
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = StringToLogLevel(env)
	}
	return &Logger{out: log.New(w, prefix, LstdFlags), level: level}
}

func New() *Logger {
	return NewLogger(os.Stderr, "")
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *Logger) SetLevelByString(level string) {
	l.level = StringToLogLevel(level)
}

func (l *Logger) SetFlags(flags int) {
	l.out.SetFlags(flags)
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if level > l.level {
		return
	}
	l.out.Output(4, "["+level.tag()+"] "+fmt.Sprintf(format, v...))
}

func (l *Logger) log(level LogLevel, v ...interface{}) {
	if level > l.level {
		return
	}
	l.out.Output(4, "["+level.tag()+"] "+fmt.Sprint(v...))
}

func (l *Logger) Debug(v ...interface{})                 { l.log(LogDebug, v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logf(LogDebug, format, v...) }
func (l *Logger) Info(v ...interface{})                  { l.log(LogInfo, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logf(LogInfo, format, v...) }
func (l *Logger) Warn(v ...interface{})                  { l.log(LogWarn, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logf(LogWarn, format, v...) }
func (l *Logger) Error(v ...interface{})                 { l.log(LogError, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logf(LogError, format, v...) }

func (l *Logger) Fatal(v ...interface{}) {
	l.log(LogFatal, v...)
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logf(LogFatal, format, v...)
	os.Exit(1)
}

var _log = New()

func init() {
	SetFlags(Ldate | Ltime | Lshortfile)
}

func SetLevel(level LogLevel)       { _log.SetLevel(level) }
func SetLevelByString(level string) { _log.SetLevelByString(level) }
func SetFlags(flags int)            { _log.SetFlags(flags) }

func Debug(v ...interface{})                 { _log.Debug(v...) }
func Debugf(format string, v ...interface{}) { _log.Debugf(format, v...) }
func Info(v ...interface{})                  { _log.Info(v...) }
func Infof(format string, v ...interface{})  { _log.Infof(format, v...) }
func Warn(v ...interface{})                  { _log.Warn(v...) }
func Warnf(format string, v ...interface{})  { _log.Warnf(format, v...) }
func Error(v ...interface{})                 { _log.Error(v...) }
func Errorf(format string, v ...interface{}) { _log.Errorf(format, v...) }
func Fatal(v ...interface{})                 { _log.Fatal(v...) }
func Fatalf(format string, v ...interface{}) { _log.Fatalf(format, v...) }
