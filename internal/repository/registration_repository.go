package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/langcenter/enrollment-api/internal/models"
)

const registrationColumns = `id, student_id, exam_id, status, payment_reference, amount_cents, payment_date,
        proof_path, proof_mime, proof_size, assigned_level, rejection_reason, validator_id, validated_at, created_at`

// RegistrationRepository handles persistence of placement-exam
// registrations. Like its enrollment sibling, the capacity-sensitive calls
// take a Querier so they can run under the exam lock.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// CountHolding returns the number of seats occupied for an exam.
func (r *RegistrationRepository) CountHolding(ctx context.Context, q Querier, examID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM exam_registrations WHERE exam_id = $1 AND status IN ('SUBMITTED', 'ACCEPTED')`
	var occupied int
	if err := sqlx.GetContext(ctx, q, &occupied, query, examID); err != nil {
		return 0, fmt.Errorf("count occupied exam seats: %w", err)
	}
	return occupied, nil
}

// FindByPair returns the registration row for a (student, exam) pair, or
// nil when the student has never registered for the exam.
func (r *RegistrationRepository) FindByPair(ctx context.Context, q Querier, studentID, examID int64) (*models.ExamRegistration, error) {
	query := fmt.Sprintf(`SELECT %s FROM exam_registrations WHERE student_id = $1 AND exam_id = $2 LIMIT 1`, registrationColumns)
	var reg models.ExamRegistration
	if err := sqlx.GetContext(ctx, q, &reg, query, studentID, examID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find registration by pair: %w", err)
	}
	return &reg, nil
}

// Create inserts a new registration row and fills its generated fields.
func (r *RegistrationRepository) Create(ctx context.Context, q Querier, reg *models.ExamRegistration) error {
	const query = `INSERT INTO exam_registrations (student_id, exam_id, status,
        payment_reference, amount_cents, payment_date, proof_path, proof_mime, proof_size)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at`
	row := q.QueryRowxContext(ctx, query,
		reg.StudentID, reg.ExamID, reg.Status,
		reg.PaymentReference, reg.AmountCents, reg.PaymentDate,
		reg.ProofPath, reg.ProofMIME, reg.ProofSize)
	if err := row.Scan(&reg.ID, &reg.CreatedAt); err != nil {
		return fmt.Errorf("create exam registration: %w", err)
	}
	return nil
}

// Rehydrate rewrites a released row in place with the new submission,
// clearing validation markers and any previously assigned level.
func (r *RegistrationRepository) Rehydrate(ctx context.Context, q Querier, reg *models.ExamRegistration) error {
	const query = `UPDATE exam_registrations SET status = $2,
        payment_reference = $3, amount_cents = $4, payment_date = $5,
        proof_path = $6, proof_mime = $7, proof_size = $8,
        assigned_level = NULL, rejection_reason = NULL, validator_id = NULL, validated_at = NULL
        WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, reg.ID,
		reg.Status,
		reg.PaymentReference, reg.AmountCents, reg.PaymentDate,
		reg.ProofPath, reg.ProofMIME, reg.ProofSize); err != nil {
		return fmt.Errorf("rehydrate exam registration: %w", err)
	}
	return nil
}

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id int64) (*models.ExamRegistration, error) {
	query := fmt.Sprintf(`SELECT %s FROM exam_registrations WHERE id = $1`, registrationColumns)
	var reg models.ExamRegistration
	if err := r.db.GetContext(ctx, &reg, query, id); err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindDetailByID returns a registration with applicant and exam context.
func (r *RegistrationRepository) FindDetailByID(ctx context.Context, id int64) (*models.RegistrationDetail, error) {
	const query = `SELECT g.*, u.first_name || ' ' || u.last_name AS student_name, u.email AS student_email,
        x.code AS exam_code, x.language AS exam_language
        FROM exam_registrations g
        JOIN users u ON u.id = g.student_id
        JOIN exams x ON x.id = g.exam_id
        WHERE g.id = $1`
	var detail models.RegistrationDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns registrations filtered by the provided criteria.
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	base := `FROM exam_registrations g
JOIN users u ON u.id = g.student_id
JOIN exams x ON x.id = g.exam_id`
	var conditions []string
	var args []interface{}

	if filter.ExamID != 0 {
		conditions = append(conditions, fmt.Sprintf("g.exam_id = $%d", len(args)+1))
		args = append(args, filter.ExamID)
	}
	if filter.StudentID != 0 {
		conditions = append(conditions, fmt.Sprintf("g.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("g.status = $%d", len(args)+1))
		args = append(args, filter.Status)
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

	query := fmt.Sprintf(`SELECT g.*, u.first_name || ' ' || u.last_name AS student_name, u.email AS student_email,
        x.code AS exam_code, x.language AS exam_language
        %s ORDER BY g.created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list exam registrations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count exam registrations: %w", err)
	}
	return registrations, total, nil
}

// Approve marks a pending registration as accepted, optionally recording
// the level the sitting assigned. The guard makes the decision one-shot.
func (r *RegistrationRepository) Approve(ctx context.Context, id, validatorID int64, assignedLevel *string, at time.Time) (int64, error) {
	const query = `UPDATE exam_registrations SET status = 'ACCEPTED', validator_id = $2, validated_at = $3,
        assigned_level = $4, rejection_reason = NULL
        WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, validatorID, at, assignedLevel)
	if err != nil {
		return 0, fmt.Errorf("approve exam registration: %w", err)
	}
	return res.RowsAffected()
}

// Reject marks a pending registration as rejected with the given reason.
func (r *RegistrationRepository) Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error) {
	const query = `UPDATE exam_registrations SET status = 'REJECTED', validator_id = $2, validated_at = $3, rejection_reason = $4
        WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, validatorID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("reject exam registration: %w", err)
	}
	return res.RowsAffected()
}

// Cancel releases a registration's seat. Already-cancelled rows match zero
// rows, which the service treats as idempotent success.
func (r *RegistrationRepository) Cancel(ctx context.Context, id int64) (int64, error) {
	const query = `UPDATE exam_registrations SET status = 'CANCELLED' WHERE id = $1 AND status <> 'CANCELLED'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("cancel exam registration: %w", err)
	}
	return res.RowsAffected()
}

// SetAssignedLevel records or corrects the level assigned after the
// sitting. Only accepted registrations carry a level.
func (r *RegistrationRepository) SetAssignedLevel(ctx context.Context, id int64, level string) (int64, error) {
	const query = `UPDATE exam_registrations SET assigned_level = $2 WHERE id = $1 AND status = 'ACCEPTED'`
	res, err := r.db.ExecContext(ctx, query, id, level)
	if err != nil {
		return 0, fmt.Errorf("set assigned level: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a pending registration entirely.
func (r *RegistrationRepository) Delete(ctx context.Context, id int64) (int64, error) {
	const query = `DELETE FROM exam_registrations WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("delete exam registration: %w", err)
	}
	return res.RowsAffected()
}
