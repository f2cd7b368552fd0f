// Package interceptors holds the gRPC server interceptors used by the
// rawrcache admin server.
package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Keksclan/rawrcache/cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RecoveryUnary returns a unary server interceptor that recovers from panics,
// logs them with the stack, and returns an Internal gRPC error instead of
// crashing the process.
func RecoveryUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in gRPC handler",
					slog.String("method", info.FullMethod),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				resp = nil
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// CacheErrorsUnary returns a unary server interceptor that converts cache
// errors returned by a handler into gRPC status errors. Errors that already
// carry a status pass through.
func CacheErrorsUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		err = ToStatus(err)
		logger.Debug("gRPC call failed",
			slog.String("method", info.FullMethod),
			slog.Duration("took", time.Since(start)),
			slog.String("code", status.Code(err).String()),
		)
		return nil, err
	}
}

// ToStatus maps a cache error to a gRPC status error.
func ToStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var cerr *cache.ConfigError
	switch {
	case errors.As(err, &cerr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrNotInitialized), errors.Is(err, cache.ErrDestroyed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, cache.ErrIndexSlot), errors.Is(err, cache.ErrNilStore):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, cache.ErrTransport):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
