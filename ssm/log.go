package ssm

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LogLevel describes sourcemerge's logs. These are a subset of the
// syslog log levels.
type LogLevel byte

// Log levels. Only ERROR, NOTICE, INFO and DEBUG are emitted by the
// program itself.
const (
	LogLevelEmergency LogLevel = iota
	LogLevelAlert
	LogLevelCritical
	LogLevelError // Error - can't be suppressed
	LogLevelWarning
	LogLevelNotice // Normal logging, -q suppresses
	LogLevelInfo   // Per-title detail, needs -v
	LogLevelDebug  // Debug level, needs -vv
)

var logLevelToString = []string{
	LogLevelEmergency: "EMERGENCY",
	LogLevelAlert:     "ALERT",
	LogLevelCritical:  "CRITICAL",
	LogLevelError:     "ERROR",
	LogLevelWarning:   "WARNING",
	LogLevelNotice:    "NOTICE",
	LogLevelInfo:      "INFO",
	LogLevelDebug:     "DEBUG",
}

// String turns a LogLevel into a string
func (l LogLevel) String() string {
	if l >= LogLevel(len(logLevelToString)) {
		return fmt.Sprintf("LogLevel(%d)", l)
	}
	return logLevelToString[l]
}

// Set a LogLevel
func (l *LogLevel) Set(s string) error {
	for n, name := range logLevelToString {
		if s != "" && name == s {
			*l = LogLevel(n)
			return nil
		}
	}
	return errors.Errorf("unknown log level %q", s)
}

// Type of the value
func (l *LogLevel) Type() string {
	return "string"
}

// CurrentLogLevel is the level below which log calls are suppressed.
// It is set once at startup from the -v/-q flags.
var CurrentLogLevel = LogLevelNotice

// InitLogging configures the logrus backend to match CurrentLogLevel.
func InitLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	switch {
	case CurrentLogLevel >= LogLevelDebug:
		logrus.SetLevel(logrus.DebugLevel)
	case CurrentLogLevel >= LogLevelInfo:
		logrus.SetLevel(logrus.InfoLevel)
	case CurrentLogLevel >= LogLevelNotice:
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}

// logPrintf produces a log string from the arguments passed in
func logPrintf(level LogLevel, o interface{}, text string, args ...interface{}) {
	out := fmt.Sprintf(text, args...)
	if o != nil {
		out = fmt.Sprintf("%v: %s", o, out)
	}
	switch level {
	case LogLevelDebug:
		logrus.Debug(out)
	case LogLevelInfo:
		logrus.Info(out)
	case LogLevelNotice, LogLevelWarning:
		logrus.Warn(out)
	default:
		logrus.Error(out)
	}
}

// Debugf writes debug log output for this Object or Fs. Should be used for
// temporary or unusual conditions only interesting when debugging.
func Debugf(o interface{}, text string, args ...interface{}) {
	if CurrentLogLevel >= LogLevelDebug {
		logPrintf(LogLevelDebug, o, text, args...)
	}
}

// Infof writes info on the log, uninteresting in normal operation.
func Infof(o interface{}, text string, args ...interface{}) {
	if CurrentLogLevel >= LogLevelInfo {
		logPrintf(LogLevelInfo, o, text, args...)
	}
}

// Logf writes log output at NOTICE level, the default for normal operation.
func Logf(o interface{}, text string, args ...interface{}) {
	if CurrentLogLevel >= LogLevelNotice {
		logPrintf(LogLevelNotice, o, text, args...)
	}
}

// Errorf writes error log output. It should always be seen by the user.
func Errorf(o interface{}, text string, args ...interface{}) {
	if CurrentLogLevel >= LogLevelError {
		logPrintf(LogLevelError, o, text, args...)
	}
}
