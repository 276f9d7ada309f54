package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/middleware"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

func hashParam(c *gin.Context) (domain.Hash, bool) {
	h, err := domain.ParseHash(c.Param("hash"))
	if err != nil {
		badRequest(c, "invalid request hash")
		return domain.ZeroHash, false
	}
	return h, true
}

func addressParam(c *gin.Context) (domain.Address, bool) {
	a, err := domain.ParseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, "invalid address")
		return domain.ZeroAddress, false
	}
	return a, true
}

func principal(c *gin.Context) (domain.Address, bool) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing principal"})
	}
	return p, ok
}
