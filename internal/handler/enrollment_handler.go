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

// EnrollmentHandler exposes the course-cycle admission endpoints.
type EnrollmentHandler struct {
	enrollments *service.EnrollmentService
	metrics     *service.MetricsService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments *service.EnrollmentService, metrics *service.MetricsService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, metrics: metrics}
}

// Submit godoc
// @Summary Submit an enrollment request
// @Tags Enrollments
// @Accept mpfd
// @Produce json
// @Security BearerAuth
// @Param cycle_id formData int true "Cycle ID"
// @Param kind formData string true "PAYMENT or EXEMPTION"
// @Param payment_reference formData string false "Bank reference"
// @Param amount formData number false "Amount paid"
// @Param payment_date formData string false "Payment date (yyyy-mm-dd)"
// @Param payment_proof formData file false "Payment receipt"
// @Param study_proof formData file false "Study-status proof (internal students)"
// @Param exemption_proof formData file false "Exemption proof"
// @Success 201 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}

	cycleID, err := strconv.ParseInt(c.PostForm("cycle_id"), 10, 64)
	if err != nil || cycleID <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "cycle_id is required"))
		return
	}
	in := service.SubmitEnrollmentInput{
		CycleID:          cycleID,
		Kind:             models.RequestKind(strings.ToUpper(c.PostForm("kind"))),
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

	payment, closePayment, err := formUpload(c, "payment_proof")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closePayment()
	study, closeStudy, err := formUpload(c, "study_proof")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closeStudy()
	exemption, closeExemption, err := formUpload(c, "exemption_proof")
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closeExemption()
	in.PaymentProof, in.StudyProof, in.ExemptionProof = payment, study, exemption

	start := time.Now()
	detail, err := h.enrollments.Submit(c.Request.Context(), actor, in)
	h.observeSubmission(err, time.Since(start))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, detail)
}

// Mine godoc
// @Summary List the caller's enrollment requests
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Router /enrollments/mine [get]
func (h *EnrollmentHandler) Mine(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var filter models.EnrollmentFilter
	filter.Status = models.RequestStatus(strings.ToUpper(c.Query("status")))
	filter.Page, filter.PageSize = pageFilter(c)

	requests, pagination, err := h.enrollments.ListMine(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// List godoc
// @Summary List enrollment requests for review
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param cycleId query int false "Filter by cycle"
// @Param studentId query int false "Filter by student"
// @Param status query string false "Filter by status"
// @Success 200 {object} response.Envelope
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.CycleID, _ = strconv.ParseInt(c.Query("cycleId"), 10, 64)
	filter.StudentID, _ = strconv.ParseInt(c.Query("studentId"), 10, 64)
	filter.Status = models.RequestStatus(strings.ToUpper(c.Query("status")))
	filter.Page, filter.PageSize = pageFilter(c)

	requests, pagination, err := h.enrollments.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get one enrollment request
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.enrollments.Get(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Cancel godoc
// @Summary Cancel an enrollment request
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/cancel [put]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.enrollments.Cancel(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Withdraw godoc
// @Summary Withdraw a pending enrollment request
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 204
// @Router /enrollments/{id} [delete]
func (h *EnrollmentHandler) Withdraw(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.enrollments.Withdraw(c.Request.Context(), actor, id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// CorrectPayment godoc
// @Summary Correct payment data on a pending request (staff only)
// @Tags Validation
// @Accept mpfd
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Param payment_reference formData string false "Bank reference"
// @Param amount formData number true "Amount paid"
// @Param payment_date formData string false "Payment date (yyyy-mm-dd)"
// @Param payment_proof formData file false "Replacement receipt"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/payment [put]
func (h *EnrollmentHandler) CorrectPayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	var err error
	in := service.CorrectPaymentInput{PaymentReference: optionalString(c, "payment_reference")}
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

	detail, err := h.enrollments.CorrectPayment(c.Request.Context(), actor, id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Approve godoc
// @Summary Approve a pending enrollment request
// @Tags Validation
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/approve [put]
func (h *EnrollmentHandler) Approve(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.enrollments.Approve(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveDecision("enrollment", string(detail.Status))
	response.JSON(c, http.StatusOK, detail, nil)
}

// Reject godoc
// @Summary Reject a pending enrollment request
// @Tags Validation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Param payload body handler.RejectPayload true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/reject [put]
func (h *EnrollmentHandler) Reject(c *gin.Context) {
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
	detail, err := h.enrollments.Reject(c.Request.Context(), actor, id, payload.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveDecision("enrollment", string(detail.Status))
	response.JSON(c, http.StatusOK, detail, nil)
}

// RejectPayload carries the mandatory rejection reason.
type RejectPayload struct {
	Reason string `json:"reason"`
}

func (h *EnrollmentHandler) observeSubmission(err error, took time.Duration) {
	outcome := "admitted"
	if err != nil {
		outcome = appErrors.FromError(err).Code
	}
	h.metrics.ObserveSubmission("enrollment", outcome, took)
}
