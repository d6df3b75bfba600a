package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"passpot/internal/core/domain"
	"passpot/pkg/circuitbreaker"
	rlog "passpot/pkg/logger"
	"passpot/pkg/retry"

	"go.uber.org/zap"
)

// HTTPRecorder ships call log entries to the call API. It implements
// ports.CallLogRecorder: Record returns before the network is touched and a
// failed upload is logged and dropped, never surfaced to the call teardown
// path. A circuit breaker keeps a dead backend from piling up goroutines
// spinning through retries.
type HTTPRecorder struct {
	baseURL    string
	authToken  func() string
	client     *http.Client
	retryCfg   retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	timeout    time.Duration
	logger     *zap.SugaredLogger
}

type Option func(*HTTPRecorder)

// WithAuthToken supplies the bearer token for each upload. A func rather
// than a string because tokens rotate mid-session.
func WithAuthToken(fn func() string) Option {
	return func(r *HTTPRecorder) { r.authToken = fn }
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *HTTPRecorder) { r.client = client }
}

func WithRetryConfig(cfg retry.Config) Option {
	return func(r *HTTPRecorder) { r.retryCfg = cfg }
}

// WithUploadTimeout bounds one whole upload including retries.
func WithUploadTimeout(timeout time.Duration) Option {
	return func(r *HTTPRecorder) { r.timeout = timeout }
}

func NewHTTPRecorder(baseURL string, opts ...Option) *HTTPRecorder {
	r := &HTTPRecorder{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		retryCfg: retry.DefaultConfig(),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
		timeout:  30 * time.Second,
		logger:   rlog.New("info").Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		r.logger.Warnw("call log upload circuit state changed", "from", from.String(), "to", to.String())
	})
	return r
}

// Record uploads the entry asynchronously.
func (r *HTTPRecorder) Record(entry domain.CallLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		err := r.breaker.Execute(ctx, func() error {
			return retry.Retry(ctx, r.retryCfg, func() error {
				return r.post(ctx, entry)
			})
		})
		if err != nil {
			r.logger.Warnw("call log entry dropped",
				"entry_id", entry.ID,
				"status", entry.Status,
				"error", err,
			)
			return
		}
		r.logger.Debugw("call log entry uploaded", "entry_id", entry.ID, "status", entry.Status)
	}()
}

func (r *HTTPRecorder) post(ctx context.Context, entry domain.CallLogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal call log entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/v1/calls", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build call log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != nil {
		req.Header.Set("Authorization", "Bearer "+r.authToken())
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("call log upload failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("call log upload rejected: status %d", resp.StatusCode)
	}
	return nil
}
