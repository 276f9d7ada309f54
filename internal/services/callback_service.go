package services

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/validq/internal/backoff"
	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/ratelimit"
	"github.com/osvaldoandrade/validq/internal/tracing"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// CallbackService posts status changes to the requester's callback URL.
type CallbackService interface {
	Send(ctx context.Context, rec domain.ValidationRecord)
}

type CallbackOptions struct {
	Secret           string
	MaxAttempts      int
	BaseDelaySeconds int
	MaxDelaySeconds  int
	Policy           string
	Limiter          ratelimit.Limiter
	Bucket           ratelimit.Bucket
	Client           *http.Client
}

type callbackService struct {
	logger *slog.Logger
	opts   CallbackOptions
	policy backoff.Policy
	unit   time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewCallbackService(logger *slog.Logger, opts CallbackOptions) CallbackService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelaySeconds <= 0 {
		opts.BaseDelaySeconds = 2
	}
	if opts.MaxDelaySeconds <= 0 {
		opts.MaxDelaySeconds = 60
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := backoff.ParsePolicy(opts.Policy)
	if err != nil {
		logger.Warn("callback backoff policy not recognised; using full jitter", "policy", opts.Policy)
		policy = backoff.ExpFullJitter
	}
	return &callbackService{
		logger: logger,
		opts:   opts,
		policy: policy,
		unit:   time.Second,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type callbackPayload struct {
	RequestHash domain.Hash                `json:"requestHash"`
	EventType   domain.Status              `json:"eventType"`
	Model       domain.TrustModel          `json:"model"`
	Status      domain.Status              `json:"status"`
	Response    *domain.ValidationResponse `json:"response,omitempty"`
	Settlement  *domain.Settlement         `json:"settlement,omitempty"`
	Penalties   []domain.Penalty           `json:"penalties,omitempty"`
	Dispute     *domain.Dispute            `json:"dispute,omitempty"`
	UpdatedAt   time.Time                  `json:"updatedAt"`
}

func (s *callbackService) Send(ctx context.Context, rec domain.ValidationRecord) {
	url := strings.TrimSpace(rec.Request.CallbackURL)
	if url == "" {
		return
	}
	payload := callbackPayload{
		RequestHash: rec.Request.Hash,
		EventType:   rec.Request.Status,
		Model:       rec.Request.Model,
		Status:      rec.Request.Status,
		Response:    rec.Response,
		Settlement:  rec.Settlement,
		Penalties:   rec.Penalties,
		Dispute:     rec.Dispute,
		UpdatedAt:   rec.Request.UpdatedAt,
	}
	b, _ := json.Marshal(payload)

	// Deliveries outlive the HTTP request that triggered them and continue the creator's trace.
	bg := tracing.ContextWithRemoteParent(context.WithoutCancel(ctx), rec.Request.TraceParent, rec.Request.TraceState)
	go s.sendWithRetry(bg, rec.Request.Model, url, b)
}

func (s *callbackService) sendWithRetry(ctx context.Context, model domain.TrustModel, url string, body []byte) {
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if s.opts.Limiter != nil && s.opts.Bucket.Enabled() {
			for {
				dec, err := s.opts.Limiter.Allow(ctx, "webhook", url, s.opts.Bucket)
				if err != nil {
					// Fail open.
					break
				}
				if dec.Allowed {
					break
				}
				metrics.RateLimitHitsTotal.WithLabelValues("webhook", "callback").Inc()
				if sleepOrDone(ctx, dec.RetryAfter) != nil {
					return
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			break
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectHeaders(ctx, req.Header)
		addSignature(req, s.opts.Secret, body)
		resp, err := s.opts.Client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			metrics.WebhookDeliveriesTotal.WithLabelValues("callback", string(model), "success").Inc()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if attempt < s.opts.MaxAttempts {
			if sleepOrDone(ctx, s.backoffDelay(attempt)) != nil {
				return
			}
		}
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("callback", string(model), "failure").Inc()
	s.logger.Warn("requester callback failed", "url", url, "attempts", s.opts.MaxAttempts)
}

func (s *callbackService) backoffDelay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched := backoff.Schedule{
		Policy: s.policy,
		Base:   time.Duration(s.opts.BaseDelaySeconds) * s.unit,
		Max:    time.Duration(s.opts.MaxDelaySeconds) * s.unit,
	}
	return sched.Delay(attempt-1, s.rng)
}
