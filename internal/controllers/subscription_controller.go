package controllers

import (
	"net/http"
	"time"

	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

// subscriptionController serves validator callback subscriptions. The caller
// is always the subscribing validator.
type subscriptionController struct{ svc services.SubscriptionService }

func NewSubscriptionController(svc services.SubscriptionService) *subscriptionController {
	return &subscriptionController{svc: svc}
}

type createSubscriptionReq struct {
	CallbackURL        string              `json:"callbackUrl" binding:"required"`
	Models             []domain.TrustModel `json:"models,omitempty"`
	TTLSeconds         int                 `json:"ttlSeconds,omitempty"`
	DeliveryMode       string              `json:"deliveryMode,omitempty"`
	GroupID            string              `json:"groupId,omitempty"`
	MinIntervalSeconds int                 `json:"minIntervalSeconds,omitempty"`
}

type heartbeatSubReq struct {
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type subscriptionView struct {
	ID           string              `json:"subscriptionId"`
	CallbackURL  string              `json:"callbackUrl"`
	Models       []domain.TrustModel `json:"models"`
	DeliveryMode string              `json:"deliveryMode"`
	GroupID      string              `json:"groupId,omitempty"`
	ExpiresAt    time.Time           `json:"expiresAt"`
}

func viewOf(sub domain.Subscription) subscriptionView {
	return subscriptionView{
		ID:           sub.ID,
		CallbackURL:  sub.CallbackURL,
		Models:       sub.Models,
		DeliveryMode: sub.DeliveryMode,
		GroupID:      sub.GroupID,
		ExpiresAt:    sub.ExpiresAt,
	}
}

func (h *subscriptionController) HandleCreate(c *gin.Context) {
	validator, ok := principal(c)
	if !ok {
		return
	}
	var req createSubscriptionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	sub, err := h.svc.Create(c.Request.Context(), validator, req.CallbackURL, req.Models, req.DeliveryMode, req.GroupID, req.TTLSeconds, req.MinIntervalSeconds)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*sub))
}

func (h *subscriptionController) HandleHeartbeat(c *gin.Context) {
	validator, ok := principal(c)
	if !ok {
		return
	}
	var req heartbeatSubReq
	// Empty body keeps the default lease.
	_ = c.ShouldBindJSON(&req)

	sub, err := h.svc.Heartbeat(c.Request.Context(), validator, c.Param("id"), req.TTLSeconds)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*sub))
}

func (h *subscriptionController) HandleList(c *gin.Context) {
	validator, ok := principal(c)
	if !ok {
		return
	}
	subs, err := h.svc.List(c.Request.Context(), validator)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, viewOf(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}
