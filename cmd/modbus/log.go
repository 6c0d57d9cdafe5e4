package main

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// debugAdapter hands frame traces of the transports to the debug level.
type debugAdapter struct {
	*zap.SugaredLogger
}

func (log *debugAdapter) Printf(msg string, args ...any) {
	log.SugaredLogger.Debugf(msg, args...)
}

// newLogger returns a console logger writing to w. verbose enables debug
// output, which includes every frame sent and received.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	encoderConfig.CallerKey = ""
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core)
}
