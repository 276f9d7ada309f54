package controllers

import (
	"net/http"
	"time"

	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type createValidationController struct{ svc services.ValidationService }

func NewCreateValidationController(svc services.ValidationService) *createValidationController {
	return &createValidationController{svc}
}

type createValidationReq struct {
	AgentID     domain.Hash       `json:"agentId" binding:"required"`
	TaskHash    domain.Hash       `json:"taskHash" binding:"required"`
	OutputHash  domain.Hash       `json:"outputHash" binding:"required"`
	Model       domain.TrustModel `json:"model" binding:"required"`
	Bounty      uint64            `json:"bounty"`
	Deadline    string            `json:"deadline,omitempty"`   // RFC3339
	TTLSeconds  int               `json:"ttlSeconds,omitempty"` // alternative to deadline
	Salt        *domain.Hash      `json:"salt,omitempty"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}

func (h *createValidationController) Handle(c *gin.Context) {
	requester, ok := principal(c)
	if !ok {
		return
	}
	var req createValidationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}

	var deadline time.Time
	switch {
	case req.Deadline != "" && req.TTLSeconds != 0:
		badRequest(c, "set either 'deadline' or 'ttlSeconds'")
		return
	case req.Deadline != "":
		t, err := time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			badRequest(c, "invalid 'deadline' (use RFC3339)")
			return
		}
		deadline = t
	case req.TTLSeconds > 0:
		deadline = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	default:
		badRequest(c, "'deadline' or positive 'ttlSeconds' is required")
		return
	}

	in := services.CreateRequest{
		AgentID:     req.AgentID,
		TaskHash:    req.TaskHash,
		OutputHash:  req.OutputHash,
		Model:       req.Model,
		Bounty:      req.Bounty,
		Deadline:    deadline,
		CallbackURL: req.CallbackURL,
	}
	if req.Salt != nil {
		in.Salt = *req.Salt
	}
	rec, err := h.svc.RequestValidation(c.Request.Context(), requester, in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Location", "/v1/validq/validations/"+rec.Request.Hash.String())
	c.JSON(http.StatusCreated, rec)
}
