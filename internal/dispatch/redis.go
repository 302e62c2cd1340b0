package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisTransport pushes requests onto per-kind lists, announces
// cancellations over pub/sub and pops results from a shared list.
//
//	<prefix>:tasks:<kind>  LPUSH TaskRequest JSON
//	<prefix>:results       BRPOP TaskResult JSON
//	<prefix>:cancel        PUBLISH task id
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func RedisOptions(cfg RedisConfig) *redis.Options {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	return opts
}

// NewRedisTransport connects and pings Redis.
func NewRedisTransport(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(RedisOptions(cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisTransport(client, cfg.KeyPrefix, logger), nil
}

func newRedisTransport(client *redis.Client, prefix string, logger *slog.Logger) *RedisTransport {
	if prefix == "" {
		prefix = "orchestra"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, prefix: prefix, logger: logger}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) taskKey(kind string) string { return t.prefix + ":tasks:" + kind }
func (t *RedisTransport) resultKey() string          { return t.prefix + ":results" }
func (t *RedisTransport) cancelChannel() string      { return t.prefix + ":cancel" }

func (t *RedisTransport) Send(ctx context.Context, req *TaskRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}
	return t.client.LPush(ctx, t.taskKey(req.Kind), b).Err()
}

func (t *RedisTransport) Cancel(ctx context.Context, taskID string) error {
	return t.client.Publish(ctx, t.cancelChannel(), taskID).Err()
}

// PublishResult lets an executor written in Go report a result.
func (t *RedisTransport) PublishResult(ctx context.Context, result TaskResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	return t.client.LPush(ctx, t.resultKey(), b).Err()
}

// Consume pops results until ctx is done. Malformed messages are logged and dropped.
func (t *RedisTransport) Consume(ctx context.Context, handler ResultHandler) error {
	for {
		vals, err := t.client.BRPop(ctx, time.Second, t.resultKey()).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.WarnContext(ctx, "redis result pop failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(vals) != 2 {
			continue
		}
		result, err := decodeResult([]byte(vals[1]))
		if err != nil {
			t.logger.WarnContext(ctx, "dropping malformed task result", slog.String("error", err.Error()))
			continue
		}
		if err := handler(ctx, result); err != nil {
			t.logger.WarnContext(ctx, "task result handler failed",
				slog.String("task_id", result.Response.CorrelationID),
				slog.String("error", err.Error()))
		}
	}
}

func decodeResult(b []byte) (TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(b, &r); err != nil {
		return r, err
	}
	if r.Response.CorrelationID == "" {
		return r, errors.New("task result has no correlation id")
	}
	return r, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

var (
	_ Transport    = (*RedisTransport)(nil)
	_ ResultSource = (*RedisTransport)(nil)
)
