package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

type attestorAdminController struct{ svc services.AttestorService }

func NewAttestorAdminController(svc services.AttestorService) *attestorAdminController {
	return &attestorAdminController{svc}
}

type addAttestorReq struct {
	Address     domain.Address `json:"address" binding:"required"`
	Measurement domain.Hash    `json:"measurement" binding:"required"`
	Label       string         `json:"label,omitempty"`
}

func (h *attestorAdminController) HandleList(c *gin.Context) {
	out, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attestors": out})
}

func (h *attestorAdminController) HandleAdd(c *gin.Context) {
	var req addAttestorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	a, err := h.svc.Add(c.Request.Context(), req.Address, req.Measurement, req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *attestorAdminController) HandleRemove(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	if err := h.svc.Remove(c.Request.Context(), addr); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
