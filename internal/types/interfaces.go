package types

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Logger defines the structured logging interface used by the domain packages.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// slogLogger wraps *slog.Logger to implement Logger. slog.Logger satisfies
// the level methods directly but With returns *slog.Logger, so an adapter is
// necessary.
type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts an *slog.Logger to the Logger interface. A nil logger
// falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger}
}

func (a *slogLogger) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a *slogLogger) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogLogger) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogLogger) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: a.logger.With(args...)}
}

// Queue is the pull transport consumed by the queue consumer.
type Queue interface {
	// ReceiveBatch long-polls for up to maxMessages, waiting at most wait.
	// An empty slice means the queue was idle.
	ReceiveBatch(ctx context.Context, maxMessages int, wait time.Duration) ([]QueueMessage, error)

	// Delete removes a message from the queue by its receipt handle.
	Delete(ctx context.Context, receiptHandle string) error
}

// ObjectStore fetches stored mail objects referenced by receipt actions.
type ObjectStore interface {
	// FetchObject streams the object at bucket/key into w.
	FetchObject(ctx context.Context, bucket, key string, w io.Writer) error
}

// Compile-time assertion that slogLogger implements Logger.
var _ Logger = (*slogLogger)(nil)
