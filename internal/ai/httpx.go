package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const defaultMaxRetries = 2

type StatusError struct {
	Provider   string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: %s: %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func newBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// postJSON posts in as JSON and decodes a 2xx body into out. Network
// errors, 429 and 5xx responses are retried; everything else is final.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, in, out interface{}, retries uint64) error {
	if client == nil {
		client = http.DefaultClient
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logutil.GetLogger(ctx).Debug("provider request failed", zap.String("provider", provider), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			serr := &StatusError{Provider: provider, StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
			if serr.Retryable() {
				logutil.GetLogger(ctx).Debug("provider request retryable", zap.String("provider", provider), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
				return serr
			}
			return backoff.Permanent(serr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s response: %w", provider, err))
		}
		return nil
	}
	return backoff.Retry(op, newBackOff(ctx, retries))
}
