package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

type disputeController struct{ svc services.ValidationService }

func NewDisputeController(svc services.ValidationService) *disputeController {
	return &disputeController{svc}
}

type disputeReq struct {
	Evidence string `json:"evidence" binding:"required"`
}

type resolveDisputeReq struct {
	Resolution string `json:"resolution" binding:"required"`
}

func (h *disputeController) Handle(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req disputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	rec, err := h.svc.DisputeValidation(c.Request.Context(), caller, hash, []byte(req.Evidence))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *disputeController) HandleResolve(c *gin.Context) {
	arbitrator, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req resolveDisputeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	rec, err := h.svc.ResolveDispute(c.Request.Context(), arbitrator, hash, req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
