package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

type cycleCatalog interface {
	List(ctx context.Context, filter models.CycleFilter) ([]models.CycleDetail, int, error)
	FindDetailByID(ctx context.Context, id int64) (*models.CycleDetail, error)
}

type examCatalog interface {
	List(ctx context.Context, filter models.ExamFilter) ([]models.ExamDetail, int, error)
	FindDetailByID(ctx context.Context, id int64) (*models.ExamDetail, error)
}

type catalogCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type cachedCycleList struct {
	Items      []models.CycleDetail `json:"items"`
	Pagination *models.Pagination   `json:"pagination"`
}

type cachedExamList struct {
	Items      []models.ExamDetail `json:"items"`
	Pagination *models.Pagination  `json:"pagination"`
}

// CatalogService serves the public offering listings with seat
// availability. Listings are cached briefly; admission writes invalidate
// them, so availability only lags by at most the TTL under cache races.
type CatalogService struct {
	cycles cycleCatalog
	exams  examCatalog
	cache  catalogCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(cycles cycleCatalog, exams examCatalog, cache catalogCache, ttl time.Duration, logger *zap.Logger) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CatalogService{cycles: cycles, exams: exams, cache: cache, ttl: ttl, logger: logger}
}

// ListCycles returns the cycle catalog.
func (s *CatalogService) ListCycles(ctx context.Context, filter models.CycleFilter) ([]models.CycleDetail, *models.Pagination, error) {
	key := fmt.Sprintf("catalog:cycles:%s:%s:%s:p%d:n%d",
		filter.Language, filter.Level, filter.Modality, filter.Page, filter.PageSize)
	if s.cache != nil {
		var cached cachedCycleList
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached.Items, cached.Pagination, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("cycle catalog cache read failed", zap.Error(err))
		}
	}

	cycles, total, err := s.cycles.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cycles")
	}
	for i := range cycles {
		cycles[i].AvailableSeats = admission.Available(cycles[i].CapacityTotal, cycles[i].OccupiedSeats)
	}
	pagination := paginationFor(filter.Page, filter.PageSize, total)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, cachedCycleList{Items: cycles, Pagination: pagination}, s.ttl); err != nil {
			s.logger.Warn("cycle catalog cache write failed", zap.Error(err))
		}
	}
	return cycles, pagination, nil
}

// GetCycle returns one cycle with availability.
func (s *CatalogService) GetCycle(ctx context.Context, id int64) (*models.CycleDetail, error) {
	detail, err := s.cycles.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "cycle not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cycle")
	}
	detail.AvailableSeats = admission.Available(detail.CapacityTotal, detail.OccupiedSeats)
	return detail, nil
}

// ListExams returns the placement-exam catalog.
func (s *CatalogService) ListExams(ctx context.Context, filter models.ExamFilter) ([]models.ExamDetail, *models.Pagination, error) {
	active := "any"
	if filter.Active != nil {
		active = fmt.Sprintf("%t", *filter.Active)
	}
	key := fmt.Sprintf("catalog:exams:%s:%s:p%d:n%d", filter.Language, active, filter.Page, filter.PageSize)
	if s.cache != nil {
		var cached cachedExamList
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached.Items, cached.Pagination, nil
		} else if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("exam catalog cache read failed", zap.Error(err))
		}
	}

	exams, total, err := s.exams.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list exams")
	}
	for i := range exams {
		exams[i].AvailableSeats = admission.Available(exams[i].CapacityTotal, exams[i].OccupiedSeats)
	}
	pagination := paginationFor(filter.Page, filter.PageSize, total)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, cachedExamList{Items: exams, Pagination: pagination}, s.ttl); err != nil {
			s.logger.Warn("exam catalog cache write failed", zap.Error(err))
		}
	}
	return exams, pagination, nil
}

// GetExam returns one exam with availability.
func (s *CatalogService) GetExam(ctx context.Context, id int64) (*models.ExamDetail, error) {
	detail, err := s.exams.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	detail.AvailableSeats = admission.Available(detail.CapacityTotal, detail.OccupiedSeats)
	return detail, nil
}
