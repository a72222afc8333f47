// Package gateway_test tests the platform HTTP client against a local
// test server.
package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spamshield/spamshield/internal/config"
	"github.com/spamshield/spamshield/internal/gateway"
)

func newTestClient(t *testing.T, handler http.Handler) *gateway.HTTPClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.GatewayConfig{
		BaseURL:    server.URL,
		Token:      "test-token",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return gateway.NewHTTPClient(cfg, logger)
}

func TestFetchMessages(t *testing.T) {
	t.Parallel()

	t.Run("Passes cursor and token, returns chronological order", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/groups/g1/messages" {
				t.Errorf("path = %s, want /groups/g1/messages", r.URL.Path)
			}
			query := r.URL.Query()
			if query.Get("token") != "test-token" {
				t.Errorf("token = %q, want test-token", query.Get("token"))
			}
			if query.Get("after_id") != "m10" {
				t.Errorf("after_id = %q, want m10", query.Get("after_id"))
			}
			if query.Get("limit") != "20" {
				t.Errorf("limit = %q, want 20", query.Get("limit"))
			}

			// Platform order is newest first.
			fmt.Fprint(w, `{"response":{"count":2,"messages":[
				{"id":"m12","text":"second","sender_id":"u2","created_at":1700000100},
				{"id":"m11","text":"first","sender_id":"u1","created_at":1700000000}
			]},"meta":{"code":200}}`)
		}))

		messages, err := client.FetchMessages(context.Background(), "g1", "m10", 20)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if len(messages) != 2 {
			t.Fatalf("got %d messages, want 2", len(messages))
		}
		if messages[0].ID != "m11" || messages[1].ID != "m12" {
			t.Errorf("order = [%s %s], want oldest first [m11 m12]", messages[0].ID, messages[1].ID)
		}
	})

	t.Run("Not modified means empty poll", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		}))

		messages, err := client.FetchMessages(context.Background(), "g1", "m10", 20)
		if err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
		if len(messages) != 0 {
			t.Errorf("got %d messages, want 0", len(messages))
		}
	})

	t.Run("Server errors are retried until success", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"response":{"count":1,"messages":[{"id":"m1","text":"hi"}]},"meta":{"code":200}}`)
		}))

		messages, err := client.FetchMessages(context.Background(), "g1", "", 20)
		if err != nil {
			t.Fatalf("fetch failed after retries: %v", err)
		}
		if len(messages) != 1 {
			t.Errorf("got %d messages, want 1", len(messages))
		}
		if got := calls.Load(); got != 3 {
			t.Errorf("server called %d times, want 3", got)
		}
	})

	t.Run("Unknown group is not retried", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))

		_, err := client.FetchMessages(context.Background(), "gone", "", 20)
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("server called %d times, want 1 (no retry on 404)", got)
		}
	})
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()

	t.Run("No content means deleted", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("method = %s, want DELETE", r.Method)
			}
			if r.URL.Path != "/conversations/g1/messages/m1" {
				t.Errorf("path = %s, want /conversations/g1/messages/m1", r.URL.Path)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		if err := client.DeleteMessage(context.Background(), "g1", "m1"); err != nil {
			t.Errorf("delete failed: %v", err)
		}
	})

	t.Run("Already gone maps to ErrNotFound", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		err := client.DeleteMessage(context.Background(), "g1", "m1")
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Persistent server error surfaces", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

		err := client.DeleteMessage(context.Background(), "g1", "m1")
		if err == nil {
			t.Fatal("expected error on persistent 502")
		}
		if errors.Is(err, gateway.ErrNotFound) {
			t.Error("502 must not map to ErrNotFound")
		}
	})
}

func TestPostMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("empty request body")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	if err := client.PostMessage(context.Background(), "g1", "hello"); err != nil {
		t.Errorf("post failed: %v", err)
	}

	if err := client.PostMessage(context.Background(), "g1", ""); err == nil {
		t.Error("expected error for empty text")
	}
}
