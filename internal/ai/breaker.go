package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller cancelling is not a provider fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logutil.GetLogger(context.Background()).Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func breakerErr(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit open", ErrUnavailable, name)
	}
	return err
}

type breakerEmbedder struct {
	name string
	next IEmbedder
	cb   *gobreaker.CircuitBreaker
}

func WrapBreakerToEmbedder(name string, e IEmbedder, cfg BreakerConfig) IEmbedder {
	if e == nil {
		return nil
	}
	return &breakerEmbedder{name: name, next: e, cb: newBreaker("embed:"+name, cfg)}
}

func (b *breakerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Embed(ctx, texts)
	})
	if err != nil {
		return nil, breakerErr(b.name, err)
	}
	return res.([][]float32), nil
}

func (b *breakerEmbedder) Dimension() int {
	return b.next.Dimension()
}

func (b *breakerEmbedder) ModelName() string {
	return b.next.ModelName()
}

type breakerGenerator struct {
	name string
	next IGenerator
	cb   *gobreaker.CircuitBreaker
}

func WrapBreakerToGenerator(name string, g IGenerator, cfg BreakerConfig) IGenerator {
	if g == nil {
		return nil
	}
	return &breakerGenerator{name: name, next: g, cb: newBreaker("generate:"+name, cfg)}
}

func (b *breakerGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, prompt)
	})
	if err != nil {
		return "", breakerErr(b.name, err)
	}
	return res.(string), nil
}
