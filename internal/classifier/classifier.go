// Package classifier provides spam probability backends. The primary
// backend is an HTTP model-serving endpoint; a Gemini backend is available
// where no serving infrastructure exists.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/resilience"
)

// Classifier scores a message text with a spam probability in [0, 1].
type Classifier interface {
	Predict(ctx context.Context, text, modelVersion string) (float64, error)
}

// New selects a backend from the classifier config.
func New(ctx context.Context, cfg config.ClassifierConfig, logger *slog.Logger) (Classifier, error) {
	switch cfg.Backend {
	case "gemini":
		return NewGeminiClassifier(ctx, cfg, logger)
	case "http", "":
		return NewHTTPClassifier(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}
}

// HTTPClassifier calls a model-serving endpoint that loads the requested
// model version on demand.
type HTTPClassifier struct {
	baseURL    string
	httpClient *http.Client
	retryCfg   resilience.RetryConfig
	logger     *slog.Logger
}

// NewHTTPClassifier creates a classifier backed by an HTTP serving endpoint.
func NewHTTPClassifier(cfg config.ClassifierConfig, logger *slog.Logger) *HTTPClassifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}

	return &HTTPClassifier{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCfg:   retryCfg,
		logger:     logger.With("component", "classifier"),
	}
}

type predictRequest struct {
	Text         string `json:"text"`
	ModelVersion string `json:"model_version"`
}

type predictResponse struct {
	SpamProbability float64 `json:"spam_probability"`
	ModelVersion    string  `json:"model_version"`
}

// Predict posts the text to the serving endpoint and returns the spam
// probability. Transient failures are retried; a malformed probability is
// an error rather than a silent clamp.
func (c *HTTPClassifier) Predict(ctx context.Context, text, modelVersion string) (float64, error) {
	body, err := json.Marshal(predictRequest{Text: text, ModelVersion: modelVersion})
	if err != nil {
		return 0, fmt.Errorf("failed to encode predict request: %w", err)
	}

	endpoint := c.baseURL + "/predict"

	var probability float64
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("predict request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return resilience.Permanent(fmt.Errorf("predict rejected with status %d: %s", resp.StatusCode, raw))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("predict failed with status %d", resp.StatusCode)
		}

		var decoded predictResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("failed to decode predict response: %w", err)
		}

		if decoded.SpamProbability < 0 || decoded.SpamProbability > 1 {
			return resilience.Permanent(fmt.Errorf("predict returned probability %f outside [0, 1]", decoded.SpamProbability))
		}

		probability = decoded.SpamProbability
		return nil
	}

	if err := resilience.WithRetry(ctx, op, c.retryCfg); err != nil {
		c.logger.ErrorContext(ctx, "Prediction failed", "model_version", modelVersion, "error", err)
		return 0, err
	}

	return probability, nil
}
