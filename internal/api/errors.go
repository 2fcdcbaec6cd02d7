package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/wa"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code maps a core error onto a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, apperr.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		return codes.PermissionDenied
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, wa.ErrAlreadyPaired):
		return codes.AlreadyExists
	case errors.Is(err, apperr.ErrInvalid):
		return codes.InvalidArgument
	case errors.Is(err, apperr.ErrNotReady):
		return codes.Unavailable
	case errors.Is(err, apperr.ErrTransport):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error unless it already is one.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(Code(err), err.Error())
}

// UnaryInterceptor logs each call and translates core errors.
func UnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			code := grpcstatus.Code(err)
			fields = append(fields, zap.Stringer("code", code), zap.Error(err))
			if code == codes.Internal {
				logger.Error("rpc failed", fields...)
			} else {
				logger.Debug("rpc rejected", fields...)
			}
			return nil, err
		}
		logger.Debug("rpc", fields...)
		return resp, nil
	}
}

// StreamInterceptor translates core errors returned by streaming handlers.
func StreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream opened", zap.String("method", info.FullMethod))
		err := toStatus(handler(srv, ss))
		if err != nil && grpcstatus.Code(err) == codes.Internal {
			logger.Error("stream failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return err
	}
}
