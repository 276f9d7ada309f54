package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type selectValidatorController struct{ svc services.ValidationService }

func NewSelectValidatorController(svc services.ValidationService) *selectValidatorController {
	return &selectValidatorController{svc}
}

type selectValidatorReq struct {
	Candidates []domain.Address `json:"candidates" binding:"required"`
}

func (h *selectValidatorController) Handle(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req selectValidatorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	rec, err := h.svc.SelectValidator(c.Request.Context(), caller, hash, req.Candidates)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
