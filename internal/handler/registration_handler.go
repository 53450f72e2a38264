package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/service"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
	"github.com/langcenter/enrollment-api/pkg/response"
)

// RegistrationHandler exposes the placement-exam registration endpoints.
type RegistrationHandler struct {
	registrations *service.RegistrationService
	metrics       *service.MetricsService
}

// NewRegistrationHandler constructs RegistrationHandler.
func NewRegistrationHandler(registrations *service.RegistrationService, metrics *service.MetricsService) *RegistrationHandler {
	return &RegistrationHandler{registrations: registrations, metrics: metrics}
}

// Submit godoc
// @Summary Register for a placement exam
// @Tags Placements
// @Accept mpfd
// @Produce json
// @Security BearerAuth
// @Param exam_id formData int true "Exam ID"
// @Param payment_reference formData string false "Bank reference"
// @Param amount formData number false "Amount paid"
// @Param payment_date formData string false "Payment date (yyyy-mm-dd)"
// @Param payment_proof formData file true "Payment receipt"
// @Success 201 {object} response.Envelope
// @Router /placements [post]
func (h *RegistrationHandler) Submit(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}

	examID, err := strconv.ParseInt(c.PostForm("exam_id"), 10, 64)
	if err != nil || examID <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "exam_id is required"))
		return
	}
	in := service.SubmitRegistrationInput{
		ExamID:           examID,
		PaymentReference: optionalString(c, "payment_reference"),
	}
	if in.AmountCents, err = optionalCents(c, "amount"); err != nil {
		response.Error(c, err)
		return
	}
	if in.PaymentDate, err = optionalDate(c, "payment_date"); err != nil {
		response.Error(c, err)
		return
	}
	proof, closeProof, err := formUpload(c, "payment_proof")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closeProof()
	in.Proof = proof

	start := time.Now()
	detail, err := h.registrations.Submit(c.Request.Context(), actor, in)
	h.observeSubmission(err, time.Since(start))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, detail)
}

// Mine godoc
// @Summary List the caller's exam registrations
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Router /placements/mine [get]
func (h *RegistrationHandler) Mine(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var filter models.RegistrationFilter
	filter.Status = models.RequestStatus(strings.ToUpper(c.Query("status")))
	filter.Page, filter.PageSize = pageFilter(c)

	registrations, pagination, err := h.registrations.ListMine(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registrations, pagination)
}

// List godoc
// @Summary List exam registrations for review
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param examId query int false "Filter by exam"
// @Param studentId query int false "Filter by student"
// @Param status query string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Router /placements [get]
func (h *RegistrationHandler) List(c *gin.Context) {
	var filter models.RegistrationFilter
	filter.ExamID, _ = strconv.ParseInt(c.Query("examId"), 10, 64)
	filter.StudentID, _ = strconv.ParseInt(c.Query("studentId"), 10, 64)
	filter.Status = models.RequestStatus(strings.ToUpper(c.Query("status")))
	filter.Page, filter.PageSize = pageFilter(c)

	registrations, pagination, err := h.registrations.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registrations, pagination)
}

// Get godoc
// @Summary Get one exam registration
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /placements/{id} [get]
func (h *RegistrationHandler) Get(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.registrations.Get(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Cancel godoc
// @Summary Cancel an exam registration
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /placements/{id}/cancel [put]
func (h *RegistrationHandler) Cancel(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.registrations.Cancel(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Withdraw godoc
// @Summary Withdraw a pending exam registration
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Success 204
// @Router /placements/{id} [delete]
func (h *RegistrationHandler) Withdraw(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.registrations.Withdraw(c.Request.Context(), actor, id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ApprovePayload optionally assigns a level during approval.
type ApprovePayload struct {
	AssignedLevel *string `json:"assignedLevel"`
}

// Approve godoc
// @Summary Approve a pending exam registration
// @Tags Validation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Param payload body handler.ApprovePayload false "Optional assigned level"
// @Success 200 {object} response.Envelope
// @Router /placements/{id}/approve [put]
func (h *RegistrationHandler) Approve(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var payload ApprovePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	detail, err := h.registrations.Approve(c.Request.Context(), actor, id, payload.AssignedLevel)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveDecision("placement", string(detail.Status))
	response.JSON(c, http.StatusOK, detail, nil)
}

// Reject godoc
// @Summary Reject a pending exam registration
// @Tags Validation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Param payload body handler.RejectPayload true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /placements/{id}/reject [put]
func (h *RegistrationHandler) Reject(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var payload RejectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.registrations.Reject(c.Request.Context(), actor, id, payload.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveDecision("placement", string(detail.Status))
	response.JSON(c, http.StatusOK, detail, nil)
}

// LevelPayload carries the placement level assignment.
type LevelPayload struct {
	Level string `json:"level" binding:"required"`
}

// AssignLevel godoc
// @Summary Assign a placement level to an accepted registration
// @Tags Validation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Param payload body handler.LevelPayload true "Assigned level"
// @Success 200 {object} response.Envelope
// @Router /placements/{id}/level [put]
func (h *RegistrationHandler) AssignLevel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var payload LevelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "level is required"))
		return
	}
	detail, err := h.registrations.AssignLevel(c.Request.Context(), id, payload.Level)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

func (h *RegistrationHandler) observeSubmission(err error, took time.Duration) {
	outcome := "admitted"
	if err != nil {
		outcome = appErrors.FromError(err).Code
	}
	h.metrics.ObserveSubmission("placement", outcome, took)
}
