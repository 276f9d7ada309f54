package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

// expireValidationController serves both deadline paths: slashing a bound
// validator and reclaiming an unbound request.
type expireValidationController struct{ svc services.ValidationService }

func NewExpireValidationController(svc services.ValidationService) *expireValidationController {
	return &expireValidationController{svc}
}

func (h *expireValidationController) HandleSlash(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.SlashForMissedDeadline(c.Request.Context(), caller, hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *expireValidationController) HandleReclaim(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.ReclaimExpired(c.Request.Context(), caller, hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
