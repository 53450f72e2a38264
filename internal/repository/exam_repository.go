package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/langcenter/enrollment-api/internal/models"
)

const examColumns = `id, code, name, language, exam_date, start_time, duration_min, room, capacity_total,
        fee_cents, reg_start, reg_end, teacher_id, active, created_at`

// ExamRepository provides read access to placement exams and the per-exam
// admission lock.
type ExamRepository struct {
	db *sqlx.DB
}

// NewExamRepository constructs the repository.
func NewExamRepository(db *sqlx.DB) *ExamRepository {
	return &ExamRepository{db: db}
}

// List returns exams with occupancy for the public catalog.
func (r *ExamRepository) List(ctx context.Context, filter models.ExamFilter) ([]models.ExamDetail, int, error) {
	base := `FROM exams e`
	var conditions []string
	var args []interface{}

	if filter.Language != "" {
		conditions = append(conditions, fmt.Sprintf("e.language = $%d", len(args)+1))
		args = append(args, filter.Language)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("e.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.code, e.name, e.language, e.exam_date, e.start_time, e.duration_min, e.room,
        e.capacity_total, e.fee_cents, e.reg_start, e.reg_end, e.teacher_id, e.active, e.created_at,
        (SELECT COUNT(*) FROM exam_registrations g WHERE g.exam_id = e.id AND g.status IN ('SUBMITTED', 'ACCEPTED')) AS occupied_seats
        %s ORDER BY e.exam_date ASC, e.code ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var exams []models.ExamDetail
	if err := r.db.SelectContext(ctx, &exams, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list exams: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count exams: %w", err)
	}
	return exams, total, nil
}

// FindByID returns an exam by its ID.
func (r *ExamRepository) FindByID(ctx context.Context, id int64) (*models.Exam, error) {
	query := fmt.Sprintf(`SELECT %s FROM exams WHERE id = $1`, examColumns)
	var exam models.Exam
	if err := r.db.GetContext(ctx, &exam, query, id); err != nil {
		return nil, err
	}
	return &exam, nil
}

// FindDetailByID returns an exam with its current occupancy.
func (r *ExamRepository) FindDetailByID(ctx context.Context, id int64) (*models.ExamDetail, error) {
	const query = `SELECT e.id, e.code, e.name, e.language, e.exam_date, e.start_time, e.duration_min, e.room,
        e.capacity_total, e.fee_cents, e.reg_start, e.reg_end, e.teacher_id, e.active, e.created_at,
        (SELECT COUNT(*) FROM exam_registrations g WHERE g.exam_id = e.id AND g.status IN ('SUBMITTED', 'ACCEPTED')) AS occupied_seats
        FROM exams e WHERE e.id = $1`
	var detail models.ExamDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// WithLock runs fn inside a transaction that holds the row lock on the
// exam, serializing every capacity decision for it.
func (r *ExamRepository) WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, exam *models.Exam) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exam lock: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM exams WHERE id = $1 FOR UPDATE`, examColumns)
	var exam models.Exam
	if err := tx.GetContext(ctx, &exam, query, id); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock exam %d: %w", id, err)
	}

	if err := fn(tx, &exam); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exam lock: %w", err)
	}
	return nil
}
