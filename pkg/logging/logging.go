// Package logging builds the zap loggers of the binaries. Every logger
// carries a boot id so lines of one process run can be told apart.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Service string
	// Verbose switches to the development config at debug level.
	Verbose bool
	// Encoding is "json" or "console"; empty keeps the config default.
	Encoding string
}

func New(o Options) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if o.Verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	if o.Encoding != "" {
		cfg.Encoding = o.Encoding
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if o.Service != "" {
		l = l.Named(o.Service).With(zap.String("boot", BootID(o.Service)), zap.Int("pid", os.Getpid()))
	}
	return l.Sugar(), nil
}

// BootID is service#start-time, unique per process run.
func BootID(service string) string {
	return service + "#" + bootTime.Format("20060102_150405.000000")
}

var bootTime = time.Now()
