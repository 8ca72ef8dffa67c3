package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const (
	// RequestIDKey is the key used to store request IDs in context
	RequestIDKey contextKey = "request_id"
)

// Config defines logging configuration
type Config struct {
	// Level is the logging level (debug, info, warn, error)
	Level string
	// Pretty formats console output for humans. The log file is always JSON.
	Pretty bool
	// Output is the console writer (defaults to os.Stdout)
	Output io.Writer
	// File, when set, receives a copy of every entry
	File string
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: false,
		Output: os.Stdout,
		File:   "trading_system.log",
	}
}

// Setup builds the process logger, installs it as the global logger and
// returns it with a function closing the log file.
func Setup(cfg Config) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = cfg.Output
	if console == nil {
		console = os.Stdout
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.RFC3339,
		}
	}

	closeFn := func() error { return nil }
	output := console
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = zerolog.MultiLevelWriter(console, f)
		closeFn = f.Close
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger, closeFn, nil
}

// FromContext extracts a logger with request context
func FromContext(ctx context.Context) zerolog.Logger {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return log.With().Str("request_id", requestID).Logger()
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		logCtx := log.With()
		for k, v := range md {
			if len(v) > 0 {
				logCtx = logCtx.Str(k, v[0])
			}
		}
		return logCtx.Logger()
	}

	return log.Logger
}

// withRequestID copies x-request-id from incoming metadata into ctx and logger
func withRequestID(ctx context.Context, logger zerolog.Logger) (context.Context, zerolog.Logger) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, logger
	}
	ids := md.Get("x-request-id")
	if len(ids) == 0 {
		return ctx, logger
	}
	return context.WithValue(ctx, RequestIDKey, ids[0]),
		logger.With().Str("request_id", ids[0]).Logger()
}

// logCompletion logs a finished call at info, or error when it failed
func logCompletion(logger zerolog.Logger, start time.Time, err error, what string) {
	duration := time.Since(start)

	code := status.Code(err)
	event := logger.Info()
	if code != codes.OK {
		event = logger.Error().Err(err).Str("grpc.code", code.String())
	}
	event.Dur("duration", duration).
		Int("grpc.status", int(code)).
		Msgf("%s completed in %v", what, duration)
}

// UnaryServerInterceptor logs every unary call
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		ctx, l := withRequestID(ctx, logger.With().Str("grpc.method", info.FullMethod).Logger())
		l.Debug().Msg("Request received")

		resp, err := handler(ctx, req)
		logCompletion(l, start, err, "Request")
		return resp, err
	}
}

// StreamServerInterceptor logs every streaming call
func StreamServerInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		stream grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx, l := withRequestID(stream.Context(), logger.With().
			Str("grpc.method", info.FullMethod).
			Bool("grpc.stream", true).
			Logger())
		l.Debug().Msg("Stream started")

		err := handler(srv, &wrappedServerStream{ServerStream: stream, ctx: ctx})
		logCompletion(l, start, err, "Stream")
		return err
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a modified context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapper's modified context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
