package handler

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langcenter/enrollment-api/internal/service"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
	"github.com/langcenter/enrollment-api/pkg/response"
	"github.com/langcenter/enrollment-api/pkg/storage"
)

// ProofHandler issues short-lived download links for stored proof documents
// and serves the documents themselves. Link issuance runs behind auth and
// reuses the service-layer ownership checks; the download endpoint itself is
// public and trusts only the signed token.
type ProofHandler struct {
	enrollments   *service.EnrollmentService
	registrations *service.RegistrationService
	signer        *storage.ProofURLSigner
	store         *storage.ArtifactStore
	downloadPath  string
}

// NewProofHandler constructs ProofHandler. downloadPath is the public route
// the signed links point at.
func NewProofHandler(enrollments *service.EnrollmentService, registrations *service.RegistrationService,
	signer *storage.ProofURLSigner, store *storage.ArtifactStore, downloadPath string) *ProofHandler {
	if downloadPath == "" {
		downloadPath = "/api/v1/files/proofs"
	}
	return &ProofHandler{
		enrollments:   enrollments,
		registrations: registrations,
		signer:        signer,
		store:         store,
		downloadPath:  downloadPath,
	}
}

type proofLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnrollmentProofURL godoc
// @Summary Get a signed download link for an enrollment proof
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param id path int true "Request ID"
// @Param slot path string true "payment, study or exemption"
// @Param download query bool false "Stream the document instead of a link"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/proofs/{slot} [get]
func (h *ProofHandler) EnrollmentProofURL(c *gin.Context) {
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

	var path *string
	switch c.Param("slot") {
	case "payment":
		path = detail.PaymentProofPath
	case "study":
		path = detail.StudyProofPath
	case "exemption":
		path = detail.ExemptionProofPath
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "slot must be payment, study or exemption"))
		return
	}
	h.serveProof(c, fmt.Sprintf("enr-%d", id), path)
}

// RegistrationProofURL godoc
// @Summary Get a signed download link for a registration proof
// @Tags Placements
// @Produce json
// @Security BearerAuth
// @Param id path int true "Registration ID"
// @Param download query bool false "Stream the document instead of a link"
// @Success 200 {object} response.Envelope
// @Router /placements/{id}/proof [get]
func (h *ProofHandler) RegistrationProofURL(c *gin.Context) {
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
	h.serveProof(c, fmt.Sprintf("reg-%d", id), detail.ProofPath)
}

// Download godoc
// @Summary Download a proof document with a signed token
// @Tags Enrollments
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200 {file} file
// @Router /files/proofs [get]
func (h *ProofHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	_, relPath, err := h.signer.Verify(token)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, http.StatusUnauthorized, "invalid download token"))
		return
	}
	h.stream(c, relPath)
}

func (h *ProofHandler) stream(c *gin.Context, relPath string) {
	file, err := h.store.Open(relPath)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "document not found"))
		return
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read document"))
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(relPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(relPath)))
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

// serveProof hands out a signed link, or the document itself when the
// caller asks for a direct download.
func (h *ProofHandler) serveProof(c *gin.Context, ref string, path *string) {
	if path == nil || *path == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no document in this slot"))
		return
	}
	if c.Query("download") == "true" {
		h.stream(c, *path)
		return
	}
	token, expiresAt, err := h.signer.Sign(ref, *path)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link"))
		return
	}
	link := proofLink{
		URL:       h.downloadPath + "?token=" + url.QueryEscape(token),
		ExpiresAt: expiresAt,
	}
	response.JSON(c, http.StatusOK, link, nil)
}
