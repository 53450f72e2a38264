package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/langcenter/enrollment-api/internal/service"
	"github.com/langcenter/enrollment-api/pkg/response"
)

// ExportHandler serves coordinator roster downloads.
type ExportHandler struct {
	exports *service.ExportService
}

// NewExportHandler constructs ExportHandler.
func NewExportHandler(exports *service.ExportService) *ExportHandler {
	return &ExportHandler{exports: exports}
}

// CycleRoster godoc
// @Summary Download the enrollment roster for a cycle
// @Tags Exports
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param id path int true "Cycle ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /exports/cycles/{id}/roster [get]
func (h *ExportHandler) CycleRoster(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	result, err := h.exports.CycleRoster(c.Request.Context(), id, exportFormat(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	serveExport(c, result)
}

// ExamRoster godoc
// @Summary Download the registration roster for a placement exam
// @Tags Exports
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param id path int true "Exam ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /exports/exams/{id}/roster [get]
func (h *ExportHandler) ExamRoster(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	result, err := h.exports.ExamRoster(c.Request.Context(), id, exportFormat(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	serveExport(c, result)
}

func exportFormat(c *gin.Context) service.ExportFormat {
	return service.ExportFormat(strings.ToLower(c.DefaultQuery("format", "csv")))
}

func serveExport(c *gin.Context, result *service.ExportResult) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
