package classifier_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spamshield/spamshield/internal/classifier"
	"github.com/spamshield/spamshield/internal/config"
)

func newTestClassifier(t *testing.T, handler http.Handler) *classifier.HTTPClassifier {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.ClassifierConfig{
		Backend:    "http",
		BaseURL:    server.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return classifier.NewHTTPClassifier(cfg, logger)
}

func TestPredict(t *testing.T) {
	t.Parallel()

	t.Run("Returns probability and forwards model version", func(t *testing.T) {
		t.Parallel()

		svc := newTestClassifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/predict" {
				t.Errorf("path = %s, want /predict", r.URL.Path)
			}
			var req struct {
				Text         string `json:"text"`
				ModelVersion string `json:"model_version"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			if req.ModelVersion != "v3" {
				t.Errorf("model_version = %q, want v3", req.ModelVersion)
			}
			if req.Text != "buy tickets now" {
				t.Errorf("text = %q, want original message text", req.Text)
			}
			fmt.Fprint(w, `{"spam_probability":0.93,"model_version":"v3"}`)
		}))

		probability, err := svc.Predict(context.Background(), "buy tickets now", "v3")
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		if probability != 0.93 {
			t.Errorf("probability = %f, want 0.93", probability)
		}
	})

	t.Run("Rejects probability outside unit interval", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		svc := newTestClassifier(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			fmt.Fprint(w, `{"spam_probability":1.7}`)
		}))

		if _, err := svc.Predict(context.Background(), "hello", "latest"); err == nil {
			t.Fatal("expected error for probability above 1")
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("server called %d times, want 1 (malformed response is not retried)", got)
		}
	})

	t.Run("Retries transient server failures", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		svc := newTestClassifier(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, `{"spam_probability":0.42}`)
		}))

		probability, err := svc.Predict(context.Background(), "hello", "latest")
		if err != nil {
			t.Fatalf("predict failed after retry: %v", err)
		}
		if probability != 0.42 {
			t.Errorf("probability = %f, want 0.42", probability)
		}
		if got := calls.Load(); got != 2 {
			t.Errorf("server called %d times, want 2", got)
		}
	})

	t.Run("Client rejection is not retried", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		svc := newTestClassifier(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))

		if _, err := svc.Predict(context.Background(), "", "latest"); err == nil {
			t.Fatal("expected error on 422")
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("server called %d times, want 1", got)
		}
	})
}

func TestNewBackendSelection(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Defaults to HTTP backend", func(t *testing.T) {
		t.Parallel()

		svc, err := classifier.New(context.Background(), config.ClassifierConfig{BaseURL: "http://localhost:9000"}, logger)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := svc.(*classifier.HTTPClassifier); !ok {
			t.Errorf("backend = %T, want *HTTPClassifier", svc)
		}
	})

	t.Run("Unknown backend is rejected", func(t *testing.T) {
		t.Parallel()

		if _, err := classifier.New(context.Background(), config.ClassifierConfig{Backend: "oracle"}, logger); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
}
