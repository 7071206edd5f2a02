package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{})
	return nil
}

// redisLog logs dials and failed commands. Successful commands are logged at debug level since the
// change-feed publishes one snapshot per answer.
type redisLog struct{}

func (redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("redis: dial %s %s failed", network, addr), "error", err)
			return nil, err
		}

		slog.InfoContext(ctx, fmt.Sprintf("redis: dialed %s %s", network, addr))
		return conn, nil
	}
}

func (redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := hook(ctx, cmd)
		logCommand(ctx, fmt.Sprintf("<%s>", cmd.String()), err)
		return err
	}
}

func (redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := hook(ctx, cmds)
		logCommand(ctx, fmt.Sprintf("pipeline %v", cmds), err)
		return err
	}
}

func logCommand(ctx context.Context, cmd string, err error) {
	if err != nil && !stderrors.Is(err, redis.Nil) {
		slog.ErrorContext(ctx, "redis: command failed: "+cmd, "error", err)
		return
	}

	slog.DebugContext(ctx, "redis: processed "+cmd)
}
