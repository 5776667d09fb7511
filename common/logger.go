// Copyright © 2024 Dubplane <dev@dubplane.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"runtime"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel byte

const (
	LogNone LogLevel = iota
	LogPanic
	LogError
	LogWarning
	LogInfo
	LogDebug
)

func (ll LogLevel) String() string {
	switch ll {
	case LogPanic:
		return "PANIC"
	case LogError:
		return "ERR"
	case LogWarning:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

type ILogger interface {
	ShouldLog(level LogLevel) bool
	Log(level LogLevel, msg string)
	Logf(level LogLevel, format string, args ...interface{})
	Panic(err error)
}

type ILoggerCloser interface {
	ILogger
	CloseLog()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Bearer tokens and dp_ API keys must never reach the log files.
var logSecretPattern = regexp.MustCompile(`(?i)(bearer\s+|dp_)[A-Za-z0-9._\-]+`)

// SanitizeLogMessage redacts credentials before a message is written.
func SanitizeLogMessage(msg string) string {
	return logSecretPattern.ReplaceAllString(msg, "$1-REDACTED-")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	logMaxSizeMB = 128
	logMaxFiles  = 10
)

type serviceLogger struct {
	minimumLevelToLog LogLevel
	writer            *lumberjack.Logger
	logger            *log.Logger
}

// NewServiceLogger opens (or creates) a size-rotated log file under
// logDir. The sweeper separately prunes rotated files past the retention
// window.
func NewServiceLogger(logDir, name string, minimumLevelToLog LogLevel) ILoggerCloser {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name+".log"),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxFiles,
		Compress:   true,
	}
	l := &serviceLogger{
		minimumLevelToLog: minimumLevelToLog,
		writer:            writer,
		logger:            log.New(writer, "", log.LstdFlags|log.LUTC|log.Lmsgprefix),
	}
	l.logger.Printf("DubplaneVersion %s OS-Environment %s OS-Architecture %s (log times are UTC)",
		DubplaneVersion, runtime.GOOS, runtime.GOARCH)
	return l
}

func (sl *serviceLogger) ShouldLog(level LogLevel) bool {
	if level == LogNone {
		return false
	}
	return level <= sl.minimumLevelToLog
}

func (sl *serviceLogger) Log(level LogLevel, msg string) {
	if !sl.ShouldLog(level) {
		return
	}
	msg = SanitizeLogMessage(msg)
	prefix := ""
	if level <= LogWarning {
		// so readers can find serious ones, but info ones still look uncluttered
		prefix = level.String() + ": "
	}
	sl.logger.Println(prefix + msg)
}

func (sl *serviceLogger) Logf(level LogLevel, format string, args ...interface{}) {
	if !sl.ShouldLog(level) {
		return
	}
	sl.Log(level, fmt.Sprintf(format, args...))
}

func (sl *serviceLogger) Panic(err error) {
	sl.logger.Println(err) // log it before the stack unwinds
	panic(err)
}

func (sl *serviceLogger) CloseLog() {
	sl.logger.Println("Closing Log")
	_ = sl.writer.Close()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// NopLogger discards everything; used by tests and as a safe default.
type NopLogger struct{}

func (NopLogger) ShouldLog(LogLevel) bool               { return false }
func (NopLogger) Log(LogLevel, string)                  {}
func (NopLogger) Logf(LogLevel, string, ...interface{}) {}
func (NopLogger) Panic(err error)                       { panic(err) }
func (NopLogger) CloseLog()                             {}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// AuditEvent writes one structured audit line (submission, chunk accept,
// containment abort, admin action...) to the given logger.
func AuditEvent(logger ILogger, action string, fields map[string]interface{}) {
	if logger == nil || !logger.ShouldLog(LogInfo) {
		return
	}
	msg := "audit action=" + action
	for k, v := range fields {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	logger.Log(LogInfo, msg)
}
