package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/langcenter/enrollment-api/internal/models"
)

const cycleColumns = `id, code, language, level, modality, shift, capacity_total, days, start_time, end_time,
        enroll_start, enroll_end, course_start, course_end, room, teacher_id, created_at`

// CycleRepository provides read access to course cycles and the per-cycle
// admission lock.
type CycleRepository struct {
	db *sqlx.DB
}

// NewCycleRepository constructs the repository.
func NewCycleRepository(db *sqlx.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

// List returns cycles with occupancy for the public catalog.
func (r *CycleRepository) List(ctx context.Context, filter models.CycleFilter) ([]models.CycleDetail, int, error) {
	base := `FROM cycles c LEFT JOIN users u ON u.id = c.teacher_id`
	var conditions []string
	var args []interface{}

	if filter.Language != "" {
		conditions = append(conditions, fmt.Sprintf("c.language = $%d", len(args)+1))
		args = append(args, filter.Language)
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("c.level = $%d", len(args)+1))
		args = append(args, filter.Level)
	}
	if filter.Modality != "" {
		conditions = append(conditions, fmt.Sprintf("c.modality = $%d", len(args)+1))
		args = append(args, filter.Modality)
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

	query := fmt.Sprintf(`SELECT c.id, c.code, c.language, c.level, c.modality, c.shift, c.capacity_total, c.days,
        c.start_time, c.end_time, c.enroll_start, c.enroll_end, c.course_start, c.course_end, c.room, c.teacher_id, c.created_at,
        (SELECT COUNT(*) FROM enrollment_requests r WHERE r.cycle_id = c.id AND r.status IN ('SUBMITTED', 'ACCEPTED')) AS occupied_seats,
        CASE WHEN u.id IS NULL THEN NULL ELSE u.first_name || ' ' || u.last_name END AS teacher_name
        %s ORDER BY c.enroll_start DESC, c.code ASC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var cycles []models.CycleDetail
	if err := r.db.SelectContext(ctx, &cycles, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list cycles: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count cycles: %w", err)
	}
	return cycles, total, nil
}

// FindByID returns a cycle by its ID.
func (r *CycleRepository) FindByID(ctx context.Context, id int64) (*models.Cycle, error) {
	query := fmt.Sprintf(`SELECT %s FROM cycles WHERE id = $1`, cycleColumns)
	var cycle models.Cycle
	if err := r.db.GetContext(ctx, &cycle, query, id); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// FindDetailByID returns a cycle with its current occupancy.
func (r *CycleRepository) FindDetailByID(ctx context.Context, id int64) (*models.CycleDetail, error) {
	const query = `SELECT c.id, c.code, c.language, c.level, c.modality, c.shift, c.capacity_total, c.days,
        c.start_time, c.end_time, c.enroll_start, c.enroll_end, c.course_start, c.course_end, c.room, c.teacher_id, c.created_at,
        (SELECT COUNT(*) FROM enrollment_requests r WHERE r.cycle_id = c.id AND r.status IN ('SUBMITTED', 'ACCEPTED')) AS occupied_seats,
        CASE WHEN u.id IS NULL THEN NULL ELSE u.first_name || ' ' || u.last_name END AS teacher_name
        FROM cycles c LEFT JOIN users u ON u.id = c.teacher_id
        WHERE c.id = $1`
	var detail models.CycleDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// WithLock runs fn inside a transaction that holds the row lock on the
// cycle, serializing every capacity decision for it. The callback receives
// the locked row; returning an error rolls the transaction back.
func (r *CycleRepository) WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, cycle *models.Cycle) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle lock: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM cycles WHERE id = $1 FOR UPDATE`, cycleColumns)
	var cycle models.Cycle
	if err := tx.GetContext(ctx, &cycle, query, id); err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock cycle %d: %w", id, err)
	}

	if err := fn(tx, &cycle); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle lock: %w", err)
	}
	return nil
}
