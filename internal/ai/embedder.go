package ai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xxxsen/pharmrag/internal/metrics"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyHash   Strategy = "hash"
)

const (
	defaultEmbedTimeout = 30 * time.Second
	defaultInitTimeout  = 2 * time.Minute
)

// Candidate is one embedding strategy. Init must either return a working
// embedder with a known dimension or an error.
type Candidate struct {
	Strategy Strategy
	Name     string
	Init     func(ctx context.Context) (IEmbedder, error)
}

type StrategyFailure struct {
	Strategy Strategy `json:"strategy"`
	Name     string   `json:"name"`
	Error    string   `json:"error"`
}

type ProviderStatus struct {
	Ready      bool              `json:"ready"`
	Strategy   Strategy          `json:"strategy,omitempty"`
	Name       string            `json:"name,omitempty"`
	Model      string            `json:"model,omitempty"`
	Dimension  int               `json:"dimension,omitempty"`
	SelectedAt int64             `json:"selected_at,omitempty"`
	Failures   []StrategyFailure `json:"failures,omitempty"`
}

type selection struct {
	candidate Candidate
	embedder  IEmbedder
	dim       int
	at        time.Time
}

type ProviderOption func(*EmbeddingProvider)

func WithEmbedTimeout(d time.Duration) ProviderOption {
	return func(p *EmbeddingProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithInitTimeout(d time.Duration) ProviderOption {
	return func(p *EmbeddingProvider) {
		if d > 0 {
			p.initTimeout = d
		}
	}
}

// WithDecorator wraps whichever embedder gets selected, e.g. with caches.
func WithDecorator(fn func(IEmbedder) IEmbedder) ProviderOption {
	return func(p *EmbeddingProvider) {
		if fn != nil {
			p.decorators = append(p.decorators, fn)
		}
	}
}

// WithHashFallback sets the dimension of the hash strategy that is always
// tried last.
func WithHashFallback(dim int) ProviderOption {
	return func(p *EmbeddingProvider) {
		p.hashDim = dim
	}
}

// WithoutHashFallback leaves the candidate list as given.
func WithoutHashFallback() ProviderOption {
	return func(p *EmbeddingProvider) {
		p.hashDim = -1
	}
}

// EmbeddingProvider picks the first candidate that initialises, caches the
// choice and serves every Embed call from it until Reset. Concurrent first
// callers share a single initialisation.
type EmbeddingProvider struct {
	candidates  []Candidate
	decorators  []func(IEmbedder) IEmbedder
	timeout     time.Duration
	initTimeout time.Duration
	hashDim     int

	group      singleflight.Group
	mu         sync.RWMutex
	active     *selection
	failures   []StrategyFailure
	generation uint64
}

func NewEmbeddingProvider(candidates []Candidate, opts ...ProviderOption) *EmbeddingProvider {
	p := &EmbeddingProvider{
		candidates:  append([]Candidate(nil), candidates...),
		timeout:     defaultEmbedTimeout,
		initTimeout: defaultInitTimeout,
		hashDim:     DefaultHashDimension,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.hashDim >= 0 && !p.hasStrategy(StrategyHash) {
		dim := p.hashDim
		p.candidates = append(p.candidates, Candidate{
			Strategy: StrategyHash,
			Name:     "hash",
			Init: func(ctx context.Context) (IEmbedder, error) {
				return NewHashEmbedder(dim), nil
			},
		})
	}
	return p
}

func (p *EmbeddingProvider) hasStrategy(s Strategy) bool {
	for _, c := range p.candidates {
		if c.Strategy == s {
			return true
		}
	}
	return false
}

// Init runs strategy selection if it has not happened yet.
func (p *EmbeddingProvider) Init(ctx context.Context) error {
	_, err := p.ensure(ctx)
	return err
}

func (p *EmbeddingProvider) ensure(ctx context.Context) (*selection, error) {
	p.mu.RLock()
	sel, gen := p.active, p.generation
	p.mu.RUnlock()
	if sel != nil {
		return sel, nil
	}
	ch := p.group.DoChan("init-"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		p.mu.RLock()
		sel := p.active
		p.mu.RUnlock()
		if sel != nil {
			return sel, nil
		}
		// Detached so that one impatient caller does not fail the shared
		// initialisation for everyone else.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.initTimeout)
		defer cancel()
		sel, failures, err := p.probe(initCtx)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation != gen {
			return sel, err
		}
		p.failures = failures
		if err == nil {
			p.active = sel
		}
		return sel, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*selection), nil
	}
}

func (p *EmbeddingProvider) probe(ctx context.Context) (*selection, []StrategyFailure, error) {
	logger := logutil.GetLogger(ctx)
	var failures []StrategyFailure
	var errs []error
	for _, c := range p.candidates {
		emb, err := c.Init(ctx)
		if err == nil && (emb == nil || emb.Dimension() <= 0) {
			err = fmt.Errorf("strategy returned no usable embedder")
		}
		if err != nil {
			metrics.EmbeddingInitAttempts.WithLabelValues(string(c.Strategy), "fail").Inc()
			logger.Warn("embedding strategy unavailable",
				zap.String("strategy", string(c.Strategy)),
				zap.String("name", c.Name),
				zap.Error(err),
			)
			failures = append(failures, StrategyFailure{Strategy: c.Strategy, Name: c.Name, Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s(%s): %w", c.Strategy, c.Name, err))
			continue
		}
		metrics.EmbeddingInitAttempts.WithLabelValues(string(c.Strategy), "ok").Inc()
		dim := emb.Dimension()
		for _, d := range p.decorators {
			emb = d(emb)
		}
		logger.Info("embedding strategy selected",
			zap.String("strategy", string(c.Strategy)),
			zap.String("name", c.Name),
			zap.String("model", emb.ModelName()),
			zap.Int("dimension", dim),
		)
		return &selection{candidate: c, embedder: emb, dim: dim, at: time.Now()}, failures, nil
	}
	return nil, failures, fmt.Errorf("%w: %w", appErr.ErrProviderUnavailable, errors.Join(errs...))
}

// Embed returns one vector per text using the selected strategy. The call
// is bounded by the embed timeout; on expiry it fails with
// ErrEmbeddingTimeout. Cancellation of ctx is returned as ctx.Err().
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	sel, err := p.ensure(ctx)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	strategy := string(sel.candidate.Strategy)
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		vectors [][]float32
		err     error
	}
	done := make(chan result, 1)
	go func() {
		vectors, err := sel.embedder.Embed(callCtx, texts)
		done <- result{vectors: vectors, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}
	metrics.EmbeddingDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	if res.err != nil {
		metrics.EmbeddingRequests.WithLabelValues(strategy, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", appErr.ErrEmbeddingTimeout, sel.candidate.Name, p.timeout)
		}
		return nil, fmt.Errorf("embed with %s: %w", sel.candidate.Name, res.err)
	}
	if len(res.vectors) != len(texts) {
		metrics.EmbeddingRequests.WithLabelValues(strategy, "error").Inc()
		return nil, fmt.Errorf("embed with %s: got %d vectors for %d texts", sel.candidate.Name, len(res.vectors), len(texts))
	}
	for _, v := range res.vectors {
		if len(v) != sel.dim {
			metrics.EmbeddingRequests.WithLabelValues(strategy, "error").Inc()
			return nil, &appErr.DimensionMismatchError{Expected: sel.dim, Got: len(v)}
		}
	}
	metrics.EmbeddingRequests.WithLabelValues(strategy, "ok").Inc()
	return res.vectors, nil
}

// Dimension reports the dimensionality of the selected strategy, selecting
// one first if needed. It is 0 only if no strategy could be initialised.
func (p *EmbeddingProvider) Dimension() int {
	sel, err := p.ensure(context.Background())
	if err != nil {
		return 0
	}
	return sel.dim
}

func (p *EmbeddingProvider) ModelName() string {
	sel, err := p.ensure(context.Background())
	if err != nil {
		return ""
	}
	return sel.embedder.ModelName()
}

// Strategy reports the selected strategy, or "" before selection.
func (p *EmbeddingProvider) Strategy() Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil {
		return ""
	}
	return p.active.candidate.Strategy
}

func (p *EmbeddingProvider) Status() ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := ProviderStatus{Failures: append([]StrategyFailure(nil), p.failures...)}
	if p.active == nil {
		return st
	}
	st.Ready = true
	st.Strategy = p.active.candidate.Strategy
	st.Name = p.active.candidate.Name
	st.Model = p.active.embedder.ModelName()
	st.Dimension = p.active.dim
	st.SelectedAt = p.active.at.UnixMilli()
	return st
}

// Reset drops the cached selection. The next call probes the candidates
// again from the start.
func (p *EmbeddingProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.group.Forget("init-" + strconv.FormatUint(p.generation, 10))
	p.generation++
	p.active = nil
	p.failures = nil
}
