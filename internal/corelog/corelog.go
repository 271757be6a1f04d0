// Package corelog is the core's only logging surface: structured, leveled
// logging via zap, plus a fatal-tag convention for reporting broken
// invariants as an unrecoverable panic carrying a stable diagnostic tag.
package corelog

import (
	"fmt"

	"go.uber.org/zap"
)

var logger = newLogger()

func newLogger() *zap.Logger {
	l, err := zap.NewProduction(zap.WithCaller(true))
	if err != nil {
		// Logging construction itself failing is not something this core
		// can recover from or usefully report; fall back to a no-op logger
		// rather than panic during package init.
		return zap.NewNop()
	}
	return l.Named("kcore")
}

// fatalHook lets tests observe a fatal call without killing the process.
// Production code leaves this nil, in which case Fatal behaves like
// zap's Fatal (log then os.Exit(1)).
var fatalHook func(tag string, fields []zap.Field)

// SetFatalHook installs f as the fatal hook and returns a function that
// restores the previous hook, for use with `defer` in tests.
func SetFatalHook(f func(tag string, fields []zap.Field)) (restore func()) {
	prev := fatalHook
	fatalHook = f
	return func() { fatalHook = prev }
}

// Fatal reports an invariant violation: a programmer error or a kernel
// invariant the core's own bookkeeping has broken. tag is a stable
// diagnostic string (e.g. "kcore.bbc.no_buffers") meant to survive
// refactors and be greppable in a crash report.
func Fatal(tag string, fields ...zap.Field) {
	if fatalHook != nil {
		fatalHook(tag, fields)
		// A test hook that doesn't itself panic/abort must still stop the
		// caller from proceeding past the violated invariant.
		panic(fmt.Sprintf("kcore: fatal: %s", tag))
	}
	logger.Fatal(tag, fields...)
}

// Warn reports a soft, non-fatal anomaly worth surfacing.
func Warn(msg string, fields ...zap.Field) {
	logger.Warn(msg, fields...)
}

// Field re-exports zap.Field's constructors under corelog so callers need
// not import zap directly for simple cases.
var (
	String = zap.String
	Uint64 = zap.Uint64
	Uint32 = zap.Uint32
	Int    = zap.Int
	Err    = zap.Error
)
