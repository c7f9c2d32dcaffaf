package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/pkg/logger"
)

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// CodeOracleUnavailable 表示熔断器处于打开状态。
const CodeOracleUnavailable xerrors.Code = "ORACLE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeOracleUnavailable, xerrors.Attributes{
		Message:    "decision oracle unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 503,
	})
}

// GuardConfig 描述预言机的熔断与限流参数。
type GuardConfig struct {
	MaxFailures       uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout       time.Duration `json:"open_timeout" yaml:"open_timeout"`
	Interval          time.Duration `json:"interval" yaml:"interval"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `json:"burst" yaml:"burst"`
}

// Guarded 为预言机加上限流与熔断，并记录调用耗时。
type Guarded struct {
	inner   Oracle
	breaker *gobreaker.CircuitBreaker[*Decision]
	limiter *rate.Limiter
}

// NewGuarded 包装 inner。RequestsPerSecond 非正数时不限流。
func NewGuarded(inner Oracle, cfg GuardConfig) *Guarded {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	log := logger.Named("oracle")
	breaker := gobreaker.NewCircuitBreaker[*Decision](gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不计为预言机故障。
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Guarded{inner: inner, breaker: breaker, limiter: limiter}
}

// Decide 依次经过限流与熔断后调用内部预言机。
func (g *Guarded) Decide(ctx context.Context, document string) (*Decision, error) {
	start := time.Now()
	decision, err := g.decide(ctx, document)
	metrics.ObserveOracle(time.Since(start), err)
	return decision, err
}

func (g *Guarded) decide(ctx context.Context, document string) (*Decision, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待预言机配额超时")
	}
	decision, err := g.breaker.Execute(func() (*Decision, error) {
		return g.inner.Decide(ctx, document)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, xerrors.Wrap(CodeOracleUnavailable, err, "预言机熔断中")
	}
	return decision, err
}

// State 返回熔断器状态。
func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

var _ Oracle = (*Guarded)(nil)
