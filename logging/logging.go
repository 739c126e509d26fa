// Package logging builds the zap logger psrp-watch writes diagnostics to.
//
// Entries go to stderr so they never mix with the rendered packets on
// stdout. JSON is used unless stderr is a terminal, in which case the
// console encoder is easier to read.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encoding selects the log line format.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingConsole Encoding = "console"
)

// Options configures New.
type Options struct {
	Level    zapcore.Level
	Encoding Encoding
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New creates a logger. An empty Encoding means console when Output is a
// terminal and JSON otherwise.
func New(opts Options) *zap.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	enc := opts.Encoding
	if enc == "" {
		enc = EncodingJSON
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			enc = EncodingConsole
		}
	}

	return zap.New(zapcore.NewCore(newEncoder(enc), zapcore.AddSync(out), opts.Level))
}

func newEncoder(enc Encoding) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	if enc == EncodingConsole {
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}
