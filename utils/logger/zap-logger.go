package logger

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wiloon/w-vproxy/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging surface used across the proxy.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Sync() error
}

var sugaredLogger *zap.SugaredLogger
var dLogger Logger

type zapLogger struct {
	sl *zap.SugaredLogger
}

func (zl zapLogger) Debug(args ...interface{}) {
	zl.sl.Debug(args...)
}

func (zl zapLogger) Debugf(format string, args ...interface{}) {
	zl.sl.Debugf(format, args...)
}

func (zl zapLogger) Info(args ...interface{}) {
	zl.sl.Info(args...)
}

func (zl zapLogger) Infof(format string, args ...interface{}) {
	zl.sl.Infof(format, args...)
}

func (zl zapLogger) Warn(args ...interface{}) {
	zl.sl.Warn(args...)
}

func (zl zapLogger) Warnf(format string, args ...interface{}) {
	zl.sl.Warnf(format, args...)
}

func (zl zapLogger) Sync() error {
	return zl.sl.Sync()
}

func (zl zapLogger) Error(args ...interface{}) {
	zl.sl.Error(args...)
}

func (zl zapLogger) Errorf(format string, args ...interface{}) {
	zl.sl.Errorf(format, args...)
}

func init() {
	// info level on stderr until InitTo is called
	core := zapcore.NewCore(getEncoder(), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	dLogger = zapLogger{sl: zap.New(core).Sugar()}
}

func InitTo(toConsole bool, toFile bool, level string, projectName string) {
	logFilePath := "N/A"
	var cores []zapcore.Core
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(level))
	if err != nil {
		log.Println("invalid level:", level)
		return
	}
	if toConsole {
		cores = append(cores, zapcore.NewCore(getEncoder(), zapcore.Lock(os.Stdout), lvl))
	}
	if toFile {
		logFilePath = fmt.Sprintf("/data/%s/logs/%s.log", projectName, level)
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    200, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		})
		cores = append(cores, zapcore.NewCore(getEncoder(), writer, lvl))
	}
	core := zapcore.NewTee(cores...)

	sugaredLogger = zap.New(core).Sugar()
	sugaredLogger.Infof("zap logger init, console: %t, file: %t, level: %s, path: %s", toConsole, toFile, level, logFilePath)
}

func GetLogger() Logger {
	if sugaredLogger != nil {
		return zapLogger{sl: sugaredLogger}
	}
	return dLogger
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}

	return zapcore.NewConsoleEncoder(encoderConfig)
}

func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}
func Debugf(msg string, args ...interface{}) {
	GetLogger().Debugf(msg, args...)
}
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}
func Infof(msg string, args ...interface{}) {
	GetLogger().Infof(msg, args...)
}
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}
func Errorf(msg string, args ...interface{}) {
	GetLogger().Errorf(msg, args...)
}
func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}
func Warnf(msg string, args ...interface{}) {
	GetLogger().Warnf(msg, args...)
}
func Sync() {
	_ = GetLogger().Sync()
}

// ShouldNotHappen records an event the reactor state machine rules out,
// e.g. a READ event on a connection whose in buffer is full.
func ShouldNotHappen(msg string, args ...interface{}) {
	metrics.InvariantViolations.Inc()
	GetLogger().Warnf("should not happen: "+msg, args...)
}

// LowLevelDebug is for per-event tracing on the reactor hot path.
func LowLevelDebug(msg string, args ...interface{}) {
	if sugaredLogger == nil || !sugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		return
	}
	sugaredLogger.Debugf(msg, args...)
}
