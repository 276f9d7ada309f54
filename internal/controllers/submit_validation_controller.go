package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/validq/internal/services"

	"github.com/gin-gonic/gin"
)

type submitValidationController struct{ svc services.ValidationService }

func NewSubmitValidationController(svc services.ValidationService) *submitValidationController {
	return &submitValidationController{svc}
}

type submitValidationReq struct {
	// Score is a pointer so a missing field is told apart from a zero score.
	Score      *int   `json:"score" binding:"required"`
	Proof      []byte `json:"proof,omitempty"` // base64
	DetailsURI string `json:"detailsUri,omitempty"`
	Evidence   string `json:"evidence,omitempty"`
}

func (h *submitValidationController) Handle(c *gin.Context) {
	caller, ok := principal(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req submitValidationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if *req.Score < 0 || *req.Score > 255 {
		badRequest(c, "invalid 'score'")
		return
	}
	rec, err := h.svc.SubmitValidation(c.Request.Context(), caller, hash, services.Submission{
		Score:      uint8(*req.Score),
		Proof:      req.Proof,
		DetailsURI: req.DetailsURI,
		Evidence:   []byte(req.Evidence),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
