// Package logging builds the zap logger shared by the viewer components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and destination.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // json or console

	// File sends output to a rotating log file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxAgeDays int

	// Output overrides the destination when File is empty.
	Output io.Writer
}

// ParseLevel maps a level name to a zapcore level.
func ParseLevel(name string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return lvl, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// New builds a logger. The returned cleanup flushes buffered entries and
// closes the log file, if any.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = ParseLevel(opts.Level); err != nil {
			return nil, nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch opts.Format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var sink zapcore.WriteSyncer
	var closer io.Closer
	switch {
	case opts.File != "":
		l := &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSizeMB,  // megabytes
			MaxAge:   opts.MaxAgeDays, // days
		}
		sink = zapcore.AddSync(l)
		closer = l
	case opts.Output != nil:
		sink = zapcore.AddSync(opts.Output)
	default:
		sink = zapcore.Lock(os.Stderr)
	}

	logger := zap.New(zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(level)), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		if closer != nil {
			_ = closer.Close()
		}
	}
	return logger, cleanup, nil
}
