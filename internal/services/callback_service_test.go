package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

func TestNewCallbackServiceDefaults(t *testing.T) {
	tests := []struct {
		name             string
		maxAttempts      int
		baseDelaySeconds int
		maxDelaySeconds  int
	}{
		{"zero maxAttempts", 0, 2, 60},
		{"negative maxAttempts", -1, 2, 60},
		{"zero baseDelay", 5, 0, 60},
		{"zero maxDelay", 5, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewCallbackService(slog.Default(), CallbackOptions{
				Secret:           "secret",
				MaxAttempts:      tt.maxAttempts,
				BaseDelaySeconds: tt.baseDelaySeconds,
				MaxDelaySeconds:  tt.maxDelaySeconds,
			}).(*callbackService)
			if svc.opts.MaxAttempts <= 0 || svc.opts.BaseDelaySeconds <= 0 || svc.opts.MaxDelaySeconds <= 0 {
				t.Fatalf("defaults not applied: %+v", svc.opts)
			}
		})
	}
}

func TestCallbackServiceSendNoURL(t *testing.T) {
	svc := NewCallbackService(slog.Default(), CallbackOptions{Secret: "secret"})
	rec := domain.ValidationRecord{Request: domain.ValidationRequest{Status: domain.StatusCompleted}}
	// Should not panic or dispatch anything
	svc.Send(context.Background(), rec)
}

func TestCallbackServiceSignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	got := make(chan callbackPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature("secret", r.Header, body) {
			t.Errorf("bad signature")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p callbackPayload
		_ = json.Unmarshal(body, &p)
		got <- p
	}))
	defer srv.Close()

	svc := NewCallbackService(slog.Default(), CallbackOptions{Secret: "secret", MaxAttempts: 3, BaseDelaySeconds: 1, MaxDelaySeconds: 1, Policy: "fixed"}).(*callbackService)
	svc.unit = time.Millisecond

	hash := domain.Keccak256([]byte("cb"))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Send(ctx, domain.ValidationRecord{Request: domain.ValidationRequest{
		Hash:        hash,
		Model:       domain.ModelTEEAttested,
		Status:      domain.StatusCompleted,
		CallbackURL: srv.URL,
	}})
	// Delivery continues after the triggering request ends.
	cancel()

	select {
	case p := <-got:
		if p.RequestHash != hash || p.Status != domain.StatusCompleted {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not delivered")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestCallbackServiceBackoffDelay(t *testing.T) {
	svc := NewCallbackService(slog.Default(), CallbackOptions{Secret: "secret", MaxAttempts: 5, BaseDelaySeconds: 2, MaxDelaySeconds: 10, Policy: "exponential"}).(*callbackService)

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"attempt 1", 1, 2 * time.Second},
		{"attempt 2", 2, 4 * time.Second},
		{"attempt 3", 3, 8 * time.Second},
		{"attempt 4", 4, 10 * time.Second}, // Capped at max
		{"attempt 5", 5, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.backoffDelay(tt.attempt); got != tt.want {
				t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	h := http.Header{}
	h.Set(HeaderTimestamp, "1700000000")
	h.Set(HeaderSignature, SignBody("k", 1700000000, body))
	if !VerifySignature("k", h, body) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("other", h, body) {
		t.Fatal("signature accepted with wrong secret")
	}
	h.Set(HeaderTimestamp, "nope")
	if VerifySignature("k", h, body) {
		t.Fatal("signature accepted with malformed timestamp")
	}
}
