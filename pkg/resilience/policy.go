// Package resilience wraps outbound calls in timeout, retry-with-backoff and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"trackersync/pkg/circuitbreaker"
	"trackersync/pkg/metrics"
)

// Config 远程调用策略
type Config struct {
	Timeout        time.Duration         `yaml:"timeout"`
	MaxRetries     int                   `yaml:"max_retries"`
	InitialBackoff time.Duration         `yaml:"initial_backoff"`
	MaxBackoff     time.Duration         `yaml:"max_backoff"`
	Breaker        circuitbreaker.Config `yaml:"breaker"`
}

// DefaultConfig: 单次 10s 超时，瞬时错误重试 3 次（2s, 4s, 8s），连续 5 次失败熔断 30s
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// Policy is safe for concurrent use; one instance per remote system.
type Policy struct {
	name      string
	cfg       Config
	breaker   *circuitbreaker.CircuitBreaker
	retryable func(error) bool
	logger    *zap.Logger
}

// New 创建策略。retryable 判断错误是否为瞬时错误，只有瞬时错误会重试并计入熔断
func New(name string, cfg Config, retryable func(error) bool, logger *zap.Logger) *Policy {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	p := &Policy{name: name, cfg: cfg, retryable: retryable, logger: logger}
	p.breaker = circuitbreaker.NewCircuitBreaker(cfg.Breaker,
		circuitbreaker.WithFailurePredicate(retryable),
		circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)
	metrics.SetCircuitBreakerState(name, int(circuitbreaker.StateClosed))
	return p
}

// BreakerState 当前熔断器状态
func (p *Policy) BreakerState() circuitbreaker.State {
	return p.breaker.GetState()
}

// Do runs fn under the policy. Every attempt gets its own timeout. An open breaker
// fails fast without further retries.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := p.breaker.Execute(func() error {
			attemptCtx := ctx
			if p.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case !p.retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Debug("Retrying remote call",
			zap.String("name", p.name),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	if p.cfg.MaxBackoff > 0 {
		exp.MaxInterval = p.cfg.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.cfg.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}
