package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/spamshield/spamshield/internal/config"
)

const geminiSystemInstruction = `You are a spam classifier for chat group messages.
Given a single message, estimate the probability that it is spam
(unsolicited advertising, scams, phishing, crypto schemes, adult content
promotion, or bot-generated junk). Respond with JSON only.`

var spamScoreSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"spam_probability": {Type: genai.TypeNumber, Description: "Probability in [0, 1] that the message is spam."},
	},
	Required: []string{"spam_probability"},
}

// GeminiClassifier scores messages with the Gemini API instead of a served
// model. The modelVersion argument is ignored; the configured Gemini model
// is the version.
type GeminiClassifier struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
}

// NewGeminiClassifier creates a Gemini-backed classifier.
func NewGeminiClassifier(ctx context.Context, cfg config.ClassifierConfig, log *slog.Logger) (*GeminiClassifier, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: geminiSystemInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    spamScoreSchema,
	}

	modelName := cfg.GeminiModel
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}

	logger := log.With("component", "gemini_classifier")
	logger.Info("Gemini classifier initialized", "model", modelName)
	return &GeminiClassifier{
		genaiClient:   gi,
		log:           logger,
		contentConfig: baseCfg,
		modelName:     modelName,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

// Predict asks Gemini for a spam probability for the message text.
func (c *GeminiClassifier) Predict(ctx context.Context, text, _ string) (float64, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, contents)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini prediction failed", "error", err)
		return 0, fmt.Errorf("gemini prediction failed: %w", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		return 0, fmt.Errorf("gemini prediction blocked: %v", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return 0, fmt.Errorf("gemini returned empty content")
	}

	var decoded struct {
		SpamProbability float64 `json:"spam_probability"`
	}
	if err := json.Unmarshal([]byte(resp.Text()), &decoded); err != nil {
		return 0, fmt.Errorf("invalid spam score JSON received: %w", err)
	}

	if decoded.SpamProbability < 0 || decoded.SpamProbability > 1 {
		return 0, fmt.Errorf("gemini returned probability %f outside [0, 1]", decoded.SpamProbability)
	}

	return decoded.SpamProbability, nil
}

func (c *GeminiClassifier) generateContentWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, c.contentConfig)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.WarnContext(ctx, "Gemini API call failed, retrying",
					"attempt", i+1, "max_retries", c.maxRetries, "code", apiErr.Code)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(c.retryDelay):
				}
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w",
				c.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}

	return nil, err
}
