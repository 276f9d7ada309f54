package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/middleware"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

// StatusFor maps a classified protocol error to its HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindPrecondition:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindVerification:
		return http.StatusUnprocessableEntity
	case domain.KindTerminal, domain.KindConflict:
		return http.StatusConflict
	case domain.KindExternal:
		return http.StatusBadGateway
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error("unclassified error", "route", c.FullPath(), "err", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": domain.CodeOf(err), "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidArgument.Code, "message": msg})
}
