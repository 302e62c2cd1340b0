package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/rendis/orchestra/internal/backoff"
	"github.com/rendis/orchestra/internal/logging"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/pkg/schema"
)

// Config bounds the dispatcher.
type Config struct {
	// QPS limits sends per second across all kinds; zero disables limiting.
	QPS     float64        `mapstructure:"qps"`
	Burst   int            `mapstructure:"burst"`
	Retry   backoff.Policy `mapstructure:"retry"`
	Breaker BreakerConfig  `mapstructure:"breaker"`
}

func DefaultConfig() Config {
	return Config{QPS: 50, Burst: 50, Retry: backoff.DefaultDispatchPolicy(), Breaker: DefaultBreakerConfig()}
}

// Dispatcher sends task requests through a Transport with rate limiting,
// bounded retries and a circuit breaker per task kind.
type Dispatcher struct {
	transport Transport
	limiter   *rate.Limiter
	breakers  *Breakers
	policy    backoff.Policy
	logger    *slog.Logger
}

func NewDispatcher(t Transport, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		transport: t,
		breakers:  NewBreakers(cfg.Breaker),
		policy:    cfg.Retry,
		logger:    logger,
	}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.QPS)
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return d
}

func (d *Dispatcher) Transport() Transport { return d.transport }

func (d *Dispatcher) Breakers() *Breakers { return d.breakers }

// Send delivers req, retrying transient transport errors. The returned
// error is a DISPATCH_ERROR or CIRCUIT_OPEN OrchestraError.
func (d *Dispatcher) Send(ctx context.Context, req *TaskRequest) error {
	name := d.transport.Name()
	log := logging.LogWith(ctx, d.logger)

	if err := d.breakers.Allow(req.Kind); err != nil {
		metrics.DispatchTotal.WithLabelValues(name, "rejected").Inc()
		return err
	}

	err := backoff.Retry(ctx, d.policy, func(attempt int) error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := d.transport.Send(ctx, req)
		if err != nil {
			log.WarnContext(ctx, "task dispatch attempt failed",
				slog.String("task_id", req.TaskID),
				slog.String("kind", req.Kind),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		d.breakers.RecordFailure(req.Kind)
		metrics.DispatchTotal.WithLabelValues(name, "failed").Inc()
		if errors.Is(err, context.Canceled) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeDispatch, "dispatch of task %s (%s) failed", req.TaskID, req.Kind).
			WithCause(err)
	}

	d.breakers.RecordSuccess(req.Kind)
	metrics.DispatchTotal.WithLabelValues(name, "sent").Inc()
	log.DebugContext(ctx, "task dispatched", slog.String("task_id", req.TaskID), slog.String("kind", req.Kind))
	return nil
}

// Cancel asks the transport to cancel taskID. Failures are logged only.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) {
	if err := d.transport.Cancel(ctx, taskID); err != nil {
		logging.LogWith(ctx, d.logger).WarnContext(ctx, "task cancel failed",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
		metrics.DispatchTotal.WithLabelValues(d.transport.Name(), "cancel_failed").Inc()
		return
	}
	metrics.DispatchTotal.WithLabelValues(d.transport.Name(), "cancelled").Inc()
}
