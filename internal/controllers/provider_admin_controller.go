package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

// providerAdminController seeds the local identity directory and stake ledger.
type providerAdminController struct{ svc services.AdminService }

func NewProviderAdminController(svc services.AdminService) *providerAdminController {
	return &providerAdminController{svc}
}

type setStakeReq struct {
	Amount   uint64 `json:"amount"`
	Verified *bool  `json:"verified,omitempty"`
}

func (h *providerAdminController) HandleRegisterAgent(c *gin.Context) {
	var agent domain.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if err := h.svc.RegisterAgent(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *providerAdminController) HandleSetStake(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var req setStakeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	verified := true
	if req.Verified != nil {
		verified = *req.Verified
	}
	if err := h.svc.SetStake(c.Request.Context(), addr, req.Amount, verified); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": addr, "amount": req.Amount, "verified": verified})
}
