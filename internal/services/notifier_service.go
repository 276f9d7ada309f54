package services

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/osvaldoandrade/validq/internal/metrics"
	"github.com/osvaldoandrade/validq/internal/ratelimit"
	"github.com/osvaldoandrade/validq/internal/repository"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

// NotifierService tells subscribed validators about work.
type NotifierService interface {
	NotifyRequestOpened(ctx context.Context, rec domain.ValidationRecord)
	NotifyValidatorSelected(ctx context.Context, rec domain.ValidationRecord)
}

type notifierService struct {
	repo      repository.SubscriptionRepository
	logger    *slog.Logger
	secret    string
	minNotify int
	limiter   ratelimit.Limiter
	bucket    ratelimit.Bucket
	client    *http.Client
}

func NewNotifierService(repo repository.SubscriptionRepository, logger *slog.Logger, secret string, minNotify int, limiter ratelimit.Limiter, bucket ratelimit.Bucket, client *http.Client) NotifierService {
	if minNotify <= 0 {
		minNotify = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &notifierService{repo: repo, logger: logger, secret: secret, minNotify: minNotify, limiter: limiter, bucket: bucket, client: client}
}

type notification struct {
	EventType      domain.NotificationEvent `json:"eventType"`
	NotificationID string                   `json:"notificationId"`
	RequestHash    domain.Hash              `json:"requestHash"`
	Model          domain.TrustModel        `json:"model"`
	TaskHash       domain.Hash              `json:"taskHash"`
	OutputHash     domain.Hash              `json:"outputHash"`
	Bounty         uint64                   `json:"bounty"`
	Deadline       time.Time                `json:"deadline"`
	Validator      *domain.Address          `json:"validator,omitempty"`
	ActionURL      string                   `json:"actionUrl"`
	SentAt         time.Time                `json:"sentAt"`
}

func (n *notifierService) NotifyRequestOpened(ctx context.Context, rec domain.ValidationRecord) {
	model := rec.Request.Model
	subs, err := n.repo.ListActive(ctx, model, time.Now())
	if err != nil || len(subs) == 0 {
		return
	}

	fanout := []domain.Subscription{}
	groups := map[string][]domain.Subscription{}
	hashMode := []domain.Subscription{}

	for _, s := range subs {
		switch s.DeliveryMode {
		case "group":
			groups[s.GroupID] = append(groups[s.GroupID], s)
		case "hash":
			hashMode = append(hashMode, s)
		default:
			fanout = append(fanout, s)
		}
	}

	targets := []domain.Subscription{}
	for _, s := range fanout {
		if n.allow(ctx, s) {
			targets = append(targets, s)
		}
	}
	for groupID, list := range groups {
		idx, err := n.repo.NextGroupIndex(ctx, model, groupID, len(list))
		if err != nil {
			continue
		}
		if s := list[idx]; n.allow(ctx, s) {
			targets = append(targets, s)
		}
	}
	if len(hashMode) > 0 {
		// Requests map to the same member for as long as the set is stable.
		s := hashMode[int(rec.Request.Hash[0])%len(hashMode)]
		if n.allow(ctx, s) {
			targets = append(targets, s)
		}
	}

	action := "/v1/validq/validations/" + rec.Request.Hash.String()
	if model.RequiresSelection() {
		action += "/select"
	} else {
		action += "/responses"
	}
	n.fire(ctx, targets, rec, domain.EventRequestOpen, action, nil)
}

func (n *notifierService) NotifyValidatorSelected(ctx context.Context, rec domain.ValidationRecord) {
	if rec.Selection == nil {
		return
	}
	v := rec.Selection.Validator
	subs, err := n.repo.ListByValidator(ctx, v, time.Now())
	if err != nil || len(subs) == 0 {
		return
	}
	n.fire(ctx, subs, rec, domain.EventValidatorSelected, "/v1/validq/validations/"+rec.Request.Hash.String()+"/responses", &v)
}

func (n *notifierService) allow(ctx context.Context, s domain.Subscription) bool {
	interval := s.MinIntervalSeconds
	if interval < n.minNotify {
		interval = n.minNotify
	}
	ok, err := n.repo.AllowNotify(ctx, s.ID, interval)
	return err == nil && ok
}

func (n *notifierService) fire(ctx context.Context, subs []domain.Subscription, rec domain.ValidationRecord, ev domain.NotificationEvent, action string, validator *domain.Address) {
	if len(subs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		for _, s := range subs {
			n.dispatch(ctx, s, notification{
				EventType:      ev,
				NotificationID: "ntf-" + s.ID + "-" + rec.Request.Hash.String()[2:14],
				RequestHash:    rec.Request.Hash,
				Model:          rec.Request.Model,
				TaskHash:       rec.Request.TaskHash,
				OutputHash:     rec.Request.OutputHash,
				Bounty:         rec.Request.Bounty,
				Deadline:       rec.Request.Deadline,
				Validator:      validator,
				ActionURL:      action,
				SentAt:         time.Now().UTC(),
			})
		}
	}()
}

func (n *notifierService) dispatch(ctx context.Context, sub domain.Subscription, msg notification) {
	kind := string(msg.EventType)
	model := string(msg.Model)
	if n.limiter != nil && n.bucket.Enabled() {
		dec, err := n.limiter.Allow(ctx, "webhook", sub.CallbackURL, n.bucket)
		if err == nil && !dec.Allowed {
			metrics.RateLimitHitsTotal.WithLabelValues("webhook", "notification").Inc()
			metrics.WebhookDeliveriesTotal.WithLabelValues(kind, model, "throttled").Inc()
			return
		}
	}

	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(b))
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(kind, model, "failure").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	addSignature(req, n.secret, b)
	resp, err := n.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(kind, model, "failure").Inc()
		n.logger.Warn("notify failed", "subscription", sub.ID, "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues(kind, model, "success").Inc()
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(kind, model, "failure").Inc()
	n.logger.Warn("notify rejected", "subscription", sub.ID, "status", resp.StatusCode)
}
