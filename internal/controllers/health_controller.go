package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is satisfied by persistence plugins.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type healthController struct{ checks map[string]HealthChecker }

func NewHealthController(checks map[string]HealthChecker) *healthController {
	return &healthController{checks}
}

func (h *healthController) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	out := gin.H{}
	for name, chk := range h.checks {
		if err := chk.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": out})
}
