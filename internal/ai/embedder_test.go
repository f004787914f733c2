package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeEmbedder struct {
	dim   int
	delay time.Duration
	calls atomic.Int32
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	return f.dim
}

func (f *fakeEmbedder) ModelName() string {
	return fmt.Sprintf("fake@%d", f.dim)
}

func failing(strategy Strategy, name string) Candidate {
	return Candidate{Strategy: strategy, Name: name, Init: func(ctx context.Context) (IEmbedder, error) {
		return nil, fmt.Errorf("%s offline", name)
	}}
}

func fixed(strategy Strategy, name string, e IEmbedder) Candidate {
	return Candidate{Strategy: strategy, Name: name, Init: func(ctx context.Context) (IEmbedder, error) {
		return e, nil
	}}
}

func TestEmbeddingProvider_FallsBackToHash(t *testing.T) {
	p := NewEmbeddingProvider([]Candidate{
		failing(StrategyLocal, "minilm"),
		failing(StrategyRemote, "openai"),
	})
	vecs, err := p.Embed(context.Background(), []string{"aspirin"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	require.Equal(t, StrategyHash, p.Strategy())
	require.Equal(t, DefaultHashDimension, p.Dimension())

	st := p.Status()
	require.True(t, st.Ready)
	require.Equal(t, StrategyHash, st.Strategy)
	require.Len(t, st.Failures, 2)
	require.Equal(t, StrategyLocal, st.Failures[0].Strategy)
}

func TestEmbeddingProvider_PrefersFirstWorkingCandidate(t *testing.T) {
	local := &fakeEmbedder{dim: 384}
	remote := &fakeEmbedder{dim: 1024}
	p := NewEmbeddingProvider([]Candidate{
		fixed(StrategyLocal, "minilm", local),
		fixed(StrategyRemote, "openai", remote),
	})
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, StrategyLocal, p.Strategy())
	require.Equal(t, 384, p.Dimension())
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.EqualValues(t, 1, local.calls.Load())
	require.EqualValues(t, 0, remote.calls.Load())
}

func TestEmbeddingProvider_InitializesOnceUnderConcurrency(t *testing.T) {
	var inits atomic.Int32
	p := NewEmbeddingProvider([]Candidate{{
		Strategy: StrategyLocal,
		Name:     "slow",
		Init: func(ctx context.Context) (IEmbedder, error) {
			inits.Add(1)
			time.Sleep(50 * time.Millisecond)
			return &fakeEmbedder{dim: 8}, nil
		},
	}})
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Embed(context.Background(), []string{"x"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, inits.Load())
}

func TestEmbeddingProvider_ResetReprobes(t *testing.T) {
	var inits atomic.Int32
	p := NewEmbeddingProvider([]Candidate{{
		Strategy: StrategyRemote,
		Name:     "flaky",
		Init: func(ctx context.Context) (IEmbedder, error) {
			if inits.Add(1) == 1 {
				return nil, errors.New("first probe fails")
			}
			return &fakeEmbedder{dim: 8}, nil
		},
	}})
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, StrategyHash, p.Strategy())

	// The selection is cached: no re-probe without Reset.
	require.NoError(t, p.Init(context.Background()))
	require.EqualValues(t, 1, inits.Load())

	p.Reset()
	require.Equal(t, Strategy(""), p.Strategy())
	require.NoError(t, p.Init(context.Background()))
	require.Equal(t, StrategyRemote, p.Strategy())
	require.Equal(t, 8, p.Dimension())
	require.EqualValues(t, 2, inits.Load())
}

func TestEmbeddingProvider_Timeout(t *testing.T) {
	p := NewEmbeddingProvider(
		[]Candidate{fixed(StrategyRemote, "slow", &fakeEmbedder{dim: 4, delay: time.Second})},
		WithEmbedTimeout(30*time.Millisecond),
	)
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErr.ErrEmbeddingTimeout))
	require.True(t, appErr.IsRetryable(err))
}

func TestEmbeddingProvider_ParentCancel(t *testing.T) {
	p := NewEmbeddingProvider([]Candidate{fixed(StrategyRemote, "slow", &fakeEmbedder{dim: 4, delay: time.Second})})
	require.NoError(t, p.Init(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, appErr.ErrEmbeddingTimeout))
}

func TestEmbeddingProvider_AllCandidatesFail(t *testing.T) {
	p := NewEmbeddingProvider([]Candidate{
		failing(StrategyLocal, "minilm"),
		failing(StrategyRemote, "openai"),
	}, WithoutHashFallback())
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErr.ErrProviderUnavailable))
	require.Contains(t, err.Error(), "minilm offline")
	require.Contains(t, err.Error(), "openai offline")
	require.Equal(t, 0, p.Dimension())
}

func TestEmbeddingProvider_BatchFailsAsWhole(t *testing.T) {
	p := NewEmbeddingProvider([]Candidate{
		fixed(StrategyRemote, "broken", &fakeEmbedder{dim: 4, err: errors.New("boom")}),
	})
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	require.Nil(t, vecs)
	// A failing call does not switch strategies.
	require.Equal(t, StrategyRemote, p.Strategy())
}

type lyingEmbedder struct{ fakeEmbedder }

func (l *lyingEmbedder) Dimension() int { return 3 }

func TestEmbeddingProvider_RejectsWrongDimension(t *testing.T) {
	p := NewEmbeddingProvider([]Candidate{
		fixed(StrategyRemote, "liar", &lyingEmbedder{fakeEmbedder{dim: 5}}),
	})
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErr.ErrDimensionMismatch))
}

func TestEmbeddingProvider_EmptyBatch(t *testing.T) {
	p := NewEmbeddingProvider(nil)
	vecs, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, vecs)
}

type countingDecorator struct {
	IEmbedder
	calls *atomic.Int32
}

func (c countingDecorator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.IEmbedder.Embed(ctx, texts)
}

func TestEmbeddingProvider_DecoratorWrapsSelection(t *testing.T) {
	var calls atomic.Int32
	p := NewEmbeddingProvider(nil, WithDecorator(func(e IEmbedder) IEmbedder {
		return countingDecorator{IEmbedder: e, calls: &calls}
	}))
	_, err := p.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}
