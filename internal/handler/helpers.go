package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/middleware"
	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
	"github.com/langcenter/enrollment-api/pkg/response"
)

// actorOrAbort pulls the authenticated actor or writes a 401.
func actorOrAbort(c *gin.Context) (models.Actor, bool) {
	actor, ok := middleware.ActorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return actor, true
}

// idParam parses the :id path parameter.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid id"))
		return 0, false
	}
	return id, true
}

// formUpload reads one optional multipart file field into an Upload. The
// returned closer must be deferred; uploads are consumed before the handler
// returns.
func formUpload(c *gin.Context, field string) (*admission.Upload, func(), error) {
	fh, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, func() {}, nil
		}
		return nil, func() {}, appErrors.Clone(appErrors.ErrValidation, "malformed multipart payload")
	}
	file, err := fh.Open()
	if err != nil {
		return nil, func() {}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload")
	}
	return &admission.Upload{
		Filename:  fh.Filename,
		MIMEType:  fh.Header.Get("Content-Type"),
		SizeBytes: fh.Size,
		Content:   file,
	}, func() { closeUpload(file) }, nil
}

func closeUpload(f multipart.File) {
	_ = f.Close()
}

// optionalString returns a pointer for non-empty form values.
func optionalString(c *gin.Context, field string) *string {
	if v := c.PostForm(field); v != "" {
		return &v
	}
	return nil
}

// optionalCents parses a decimal money form value into minor units.
func optionalCents(c *gin.Context, field string) (*int64, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return nil, nil
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, appErrors.ErrInvalidAmount
	}
	cents := int64(amount*100 + 0.5)
	return &cents, nil
}

// optionalDate parses a yyyy-mm-dd form value.
func optionalDate(c *gin.Context, field string) (*time.Time, error) {
	raw := c.PostForm(field)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, field+" must be yyyy-mm-dd")
	}
	return &t, nil
}

func pageFilter(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, size
}
