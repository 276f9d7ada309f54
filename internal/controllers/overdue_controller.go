package controllers

import (
	"net/http"
	"strconv"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

type overdueController struct{ svc services.ValidationService }

func NewOverdueController(svc services.ValidationService) *overdueController {
	return &overdueController{svc}
}

func (h *overdueController) Handle(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(c, "invalid 'limit' (1-1000)")
			return
		}
		limit = n
	}
	hashes, err := h.svc.ListOverdue(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overdue": hashes, "count": len(hashes)})
}
