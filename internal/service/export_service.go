package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
	"github.com/langcenter/enrollment-api/pkg/export"
)

type tableRenderer interface {
	Render(t export.Table) ([]byte, error)
}

// ExportFormat is the requested roster file format.
type ExportFormat string

const (
	FormatCSV ExportFormat = "csv"
	FormatPDF ExportFormat = "pdf"
)

// ExportResult is one rendered roster file.
type ExportResult struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ExportService renders coordinator rosters for one offering: every request
// currently holding or having held a seat, with payment and decision state.
type ExportService struct {
	cycles        cycleCatalog
	exams         examCatalog
	enrollments   enrollmentStore
	registrations registrationStore
	csv           tableRenderer
	pdf           tableRenderer
	logger        *zap.Logger
}

// NewExportService constructs ExportService.
func NewExportService(cycles cycleCatalog, exams examCatalog, enrollments enrollmentStore,
	registrations registrationStore, csv, pdf tableRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		cycles: cycles, exams: exams, enrollments: enrollments,
		registrations: registrations, csv: csv, pdf: pdf, logger: logger,
	}
}

// CycleRoster renders the enrollment roster for one cycle.
func (s *ExportService) CycleRoster(ctx context.Context, cycleID int64, format ExportFormat) (*ExportResult, error) {
	cycle, err := s.cycles.FindDetailByID(ctx, cycleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "cycle not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cycle")
	}

	requests, err := s.allEnrollments(ctx, cycleID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	table := export.Table{
		Title:   fmt.Sprintf("Enrollment roster %s (%s %s)", cycle.Code, cycle.Language, cycle.Level),
		Columns: []string{"Student", "Email", "Kind", "Status", "Amount", "Payment ref", "Submitted", "Decided"},
	}
	for _, r := range requests {
		table.Rows = append(table.Rows, []string{
			r.StudentName,
			r.StudentEmail,
			string(r.Kind),
			string(r.Status),
			formatAmount(r.AmountCents),
			strValue(r.PaymentReference),
			r.CreatedAt.Format("2006-01-02"),
			formatDate(r.ValidatedAt),
		})
	}

	return s.render(table, fmt.Sprintf("roster_%s", cycle.Code), format)
}

// ExamRoster renders the registration roster for one placement exam.
func (s *ExportService) ExamRoster(ctx context.Context, examID int64, format ExportFormat) (*ExportResult, error) {
	exam, err := s.exams.FindDetailByID(ctx, examID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}

	registrations, err := s.allRegistrations(ctx, examID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	table := export.Table{
		Title:   fmt.Sprintf("Placement roster %s (%s)", exam.Code, exam.Language),
		Columns: []string{"Student", "Email", "Status", "Amount", "Payment ref", "Assigned level", "Submitted", "Decided"},
	}
	for _, r := range registrations {
		table.Rows = append(table.Rows, []string{
			r.StudentName,
			r.StudentEmail,
			string(r.Status),
			formatAmount(r.AmountCents),
			strValue(r.PaymentReference),
			strValue(r.AssignedLevel),
			r.CreatedAt.Format("2006-01-02"),
			formatDate(r.ValidatedAt),
		})
	}

	return s.render(table, fmt.Sprintf("roster_%s", exam.Code), format)
}

// Listings clamp the page size, so rosters walk every page to keep the
// export complete for offerings with more requests than one page holds.
const exportPageSize = 100

func (s *ExportService) allEnrollments(ctx context.Context, cycleID int64) ([]models.EnrollmentDetail, error) {
	var out []models.EnrollmentDetail
	for page := 1; ; page++ {
		batch, total, err := s.enrollments.List(ctx, models.EnrollmentFilter{CycleID: cycleID, Page: page, PageSize: exportPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < exportPageSize || len(out) >= total {
			return out, nil
		}
	}
}

func (s *ExportService) allRegistrations(ctx context.Context, examID int64) ([]models.RegistrationDetail, error) {
	var out []models.RegistrationDetail
	for page := 1; ; page++ {
		batch, total, err := s.registrations.List(ctx, models.RegistrationFilter{ExamID: examID, Page: page, PageSize: exportPageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < exportPageSize || len(out) >= total {
			return out, nil
		}
	}
}

func (s *ExportService) render(table export.Table, name string, format ExportFormat) (*ExportResult, error) {
	name = strings.ReplaceAll(strings.ToLower(name), " ", "_")
	switch format {
	case FormatCSV:
		data, err := s.csv.Render(table)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportResult{Filename: name + ".csv", ContentType: "text/csv", Data: data}, nil
	case FormatPDF:
		data, err := s.pdf.Render(table)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportResult{Filename: name + ".pdf", ContentType: "application/pdf", Data: data}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func formatAmount(cents *int64) string {
	if cents == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", float64(*cents)/100)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
