package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

type balanceController struct{ svc services.ValidationService }

func NewBalanceController(svc services.ValidationService) *balanceController {
	return &balanceController{svc}
}

type depositReq struct {
	Amount uint64 `json:"amount" binding:"required"`
}

func (h *balanceController) Handle(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	bal, err := h.svc.Balance(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": bal})
}

func (h *balanceController) HandleDeposit(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	bal, err := h.svc.Deposit(c.Request.Context(), addr, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": bal})
}
