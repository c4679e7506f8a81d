// Package observe isolates logging and metric emission from admission decisions.
//
// Every emission runs behind Safe, so a panicking sink can neither abort nor
// change the decision being made. Sink failures are reported to the fallback
// logger at most once per reportInterval.
package observe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const reportInterval = 10 * time.Second

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Reporter runs sink calls behind an error boundary.
type Reporter struct {
	fallback  *slog.Logger
	sometimes *rate.Sometimes
}

// NewReporter creates a Reporter that reports sink failures to fallback.
func NewReporter(fallback *slog.Logger) *Reporter {
	if fallback == nil {
		fallback = DiscardLogger()
	}
	return &Reporter{
		fallback:  fallback,
		sometimes: &rate.Sometimes{First: 1, Interval: reportInterval},
	}
}

// Safe runs fn and recovers from any panic it raises. sink names the failing
// sink in the fallback report.
func (r *Reporter) Safe(sink string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.report(sink, fmt.Errorf("sink panic: %v", rec))
		}
	}()
	fn()
}

// Log emits a record on logger behind the error boundary.
func (r *Reporter) Log(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	r.Safe("logger", func() {
		logger.LogAttrs(ctx, level, msg, attrs...)
	})
}

func (r *Reporter) report(sink string, err error) {
	if r == nil || r.fallback == nil {
		return
	}
	r.sometimes.Do(func() {
		defer func() { _ = recover() }()
		r.fallback.Warn("observability sink failed",
			slog.String("sink", sink),
			slog.Any("error", err))
	})
}

// Error creates an attribute for a single error under the key "error".
// Returns an empty Attr for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}
