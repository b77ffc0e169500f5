package logger

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Process-wide structured logging. Init runs once in main; everything
// else receives the logger by injection and scopes it with the With*
// helpers so the field names on a job log line are the same whether it
// came from the dispatcher, a handler, or the status facade.

var (
	global *zap.Logger
	once   sync.Once
)

// Options configure the process logger.
type Options struct {
	Level   string // debug, info, warn, error; unknown values mean info
	Service string // tagged on every entry, e.g. "villagecal-worker"
	Console bool   // human-readable output for local runs
}

// Init builds the global logger and returns it. Subsequent calls
// return the first result regardless of options.
func Init(opts Options) *zap.Logger {
	once.Do(func() {
		global = build(opts)
	})
	return global
}

func build(opts Options) *zap.Logger {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.Console {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)

	var fields []zap.Field
	if opts.Service != "" {
		fields = append(fields, zap.String("service", opts.Service))
	}
	return zap.New(core, zap.AddCaller(), zap.Fields(fields...))
}

// Sync flushes buffered entries. Safe to defer before Init has run.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}

// WithComponent scopes a logger to a named subsystem ("scheduler",
// "objectstore", ...).
func WithComponent(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}

// WithJob binds the fields every job log line carries. The dispatcher
// uses it to build handler contexts; handlers log through jc.Log
// instead of re-deriving these per call site.
func WithJob(base *zap.Logger, jobID uuid.UUID, queueName string, attempt int) *zap.Logger {
	return base.With(
		zap.String("job_id", jobID.String()),
		zap.String("queue", queueName),
		zap.Int("attempt", attempt),
	)
}
