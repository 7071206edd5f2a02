package telemetry

import (
	"context"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
)

func GRPCServerInterceptor() grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(grpcLogger(slog.Default()),
			logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
		),
	)
}

// GRPCClientInterceptor logs outgoing ledger calls once they finish.
func GRPCClientInterceptor() grpc.DialOption {
	return grpc.WithChainUnaryInterceptor(
		logging.UnaryClientInterceptor(grpcLogger(slog.Default()),
			logging.WithLogOnEvents(logging.FinishCall),
		),
	)
}

func grpcLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
