package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/service"
	"github.com/langcenter/enrollment-api/pkg/response"
)

// CatalogHandler exposes the public offering listings.
type CatalogHandler struct {
	catalog *service.CatalogService
}

// NewCatalogHandler constructs CatalogHandler.
func NewCatalogHandler(catalog *service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// ListCycles godoc
// @Summary List course cycles with availability
// @Tags Catalog
// @Produce json
// @Param language query string false "Filter by language"
// @Param level query string false "Filter by level"
// @Param modality query string false "Filter by modality"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /cycles [get]
func (h *CatalogHandler) ListCycles(c *gin.Context) {
	var filter models.CycleFilter
	filter.Language = c.Query("language")
	filter.Level = c.Query("level")
	filter.Modality = c.Query("modality")
	filter.Page, filter.PageSize = pageFilter(c)

	cycles, pagination, err := h.catalog.ListCycles(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, cycles, pagination)
}

// GetCycle godoc
// @Summary Get one cycle with availability
// @Tags Catalog
// @Produce json
// @Param id path int true "Cycle ID"
// @Success 200 {object} response.Envelope
// @Router /cycles/{id} [get]
func (h *CatalogHandler) GetCycle(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.catalog.GetCycle(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// ListExams godoc
// @Summary List placement exams with availability
// @Tags Catalog
// @Produce json
// @Param language query string false "Filter by language"
// @Param active query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /exams [get]
func (h *CatalogHandler) ListExams(c *gin.Context) {
	var filter models.ExamFilter
	filter.Language = c.Query("language")
	if raw := c.Query("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}
	filter.Page, filter.PageSize = pageFilter(c)

	exams, pagination, err := h.catalog.ListExams(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, exams, pagination)
}

// GetExam godoc
// @Summary Get one exam with availability
// @Tags Catalog
// @Produce json
// @Param id path int true "Exam ID"
// @Success 200 {object} response.Envelope
// @Router /exams/{id} [get]
func (h *CatalogHandler) GetExam(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	detail, err := h.catalog.GetExam(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}
