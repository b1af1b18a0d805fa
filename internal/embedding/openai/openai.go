package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	gopenai "github.com/sashabaranov/go-openai"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"sagebot/internal/embedding"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "text-embedding-3-small"
	DefaultBatchSize = 32
)

// Client is an OpenAI-compatible embeddings client implementing the Embedder interface.
type Client struct {
	api        *gopenai.Client
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	retryBase  time.Duration
	limiter    *rate.Limiter
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL string
	// APIKey takes precedence over the APIKeyEnv lookup.
	APIKey            string
	APIKeyEnv         string
	Model             string
	Dimensions        int
	Timeout           time.Duration
	BatchSize         int
	RequestsPerSecond float64
	MaxRetries        int
	RetryBase         time.Duration
}

// NewClient creates a new embeddings client. A missing API key is not an
// error here; it surfaces as an authentication failure on the first Embed.
func NewClient(cfg Config) *Client {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	apiCfg := gopenai.DefaultConfig(key)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		api:        gopenai.NewClientWithConfig(apiCfg),
		apiKey:     key,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

func (c *Client) Model() string { return c.model }

func (c *Client) Dimensions() int { return c.dimensions }

// Embed returns one embedding per text. Inputs are sent in sub-batches of the
// configured size; rate-limit, server and transport failures are retried with
// exponential backoff.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.apiKey == "" {
		return nil, &embedding.Error{Kind: embedding.KindAuth, Err: embedding.ErrMissingAPIKey}
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := gopenai.EmbeddingRequest{
		Input:      texts,
		Model:      gopenai.EmbeddingModel(c.model),
		Dimensions: c.dimensions,
	}
	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.WithCappedDuration(5*time.Second, retry.NewExponential(c.retryBase)))

	var resp gopenai.EmbeddingResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return classify(err)
		}
		r, err := c.api.CreateEmbeddings(ctx, req)
		if err != nil {
			cerr := classify(err)
			if retryable(err) {
				return retry.RetryableError(cerr)
			}
			return cerr
		}
		resp = r
		return nil
	})
	if err != nil {
		var eerr *embedding.Error
		if !errors.As(err, &eerr) {
			err = classify(err)
		}
		return nil, fmt.Errorf("openai: embed %d texts: %w", len(texts), err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &embedding.Error{
			Kind: embedding.KindGeneric,
			Err:  fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}
	vecs := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, &embedding.Error{Kind: embedding.KindGeneric, Err: fmt.Errorf("openai: empty embedding at %d", i)}
		}
	}
	return vecs, nil
}

// classify maps client and transport errors onto embedding kinds. This is the
// only place that inspects go-openai error types.
func classify(err error) error {
	return &embedding.Error{Kind: kindOf(err), Err: err}
}

func kindOf(err error) embedding.Kind {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return kindForStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return kindForStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return embedding.KindConnection
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return embedding.KindConnection
	}
	return embedding.KindGeneric
}

func kindForStatus(code int) embedding.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return embedding.KindAuth
	case code == http.StatusTooManyRequests:
		return embedding.KindRateLimit
	default:
		return embedding.KindGeneric
	}
}

func retryable(err error) bool {
	switch kindOf(err) {
	case embedding.KindRateLimit:
		return true
	case embedding.KindConnection:
		return !errors.Is(err, context.Canceled)
	}
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500
	}
	return false
}
