package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

type getValidationController struct{ svc services.ValidationService }

func NewGetValidationController(svc services.ValidationService) *getValidationController {
	return &getValidationController{svc}
}

func (h *getValidationController) Handle(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.GetValidation(c.Request.Context(), hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *getValidationController) HandleDisputed(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	disputed, err := h.svc.IsDisputed(c.Request.Context(), hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestHash": hash, "disputed": disputed})
}
