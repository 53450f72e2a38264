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

const enrollmentColumns = `id, student_id, cycle_id, kind, status, payment_reference, amount_cents, payment_date,
        payment_proof_path, payment_proof_mime, payment_proof_size, student_is_internal,
        study_proof_path, study_proof_mime, study_proof_size,
        exemption_proof_path, exemption_proof_mime, exemption_proof_size,
        rejection_reason, validator_id, validated_at, created_at`

// EnrollmentRepository handles persistence of enrollment requests. The
// capacity-sensitive reads and writes take a Querier so the service can run
// them under the cycle lock.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// CountHolding returns the number of seats occupied for a cycle. Only
// SUBMITTED and ACCEPTED rows count; released rows have given their seat
// back.
func (r *EnrollmentRepository) CountHolding(ctx context.Context, q Querier, cycleID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollment_requests WHERE cycle_id = $1 AND status IN ('SUBMITTED', 'ACCEPTED')`
	var occupied int
	if err := sqlx.GetContext(ctx, q, &occupied, query, cycleID); err != nil {
		return 0, fmt.Errorf("count occupied seats: %w", err)
	}
	return occupied, nil
}

// FindByPair returns the request row for a (student, cycle) pair, or nil
// when the student has never applied to the cycle.
func (r *EnrollmentRepository) FindByPair(ctx context.Context, q Querier, studentID, cycleID int64) (*models.EnrollmentRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_requests WHERE student_id = $1 AND cycle_id = $2 LIMIT 1`, enrollmentColumns)
	var req models.EnrollmentRequest
	if err := sqlx.GetContext(ctx, q, &req, query, studentID, cycleID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find request by pair: %w", err)
	}
	return &req, nil
}

// Create inserts a new request row and fills its generated fields.
func (r *EnrollmentRepository) Create(ctx context.Context, q Querier, req *models.EnrollmentRequest) error {
	const query = `INSERT INTO enrollment_requests (student_id, cycle_id, kind, status,
        payment_reference, amount_cents, payment_date,
        payment_proof_path, payment_proof_mime, payment_proof_size, student_is_internal,
        study_proof_path, study_proof_mime, study_proof_size,
        exemption_proof_path, exemption_proof_mime, exemption_proof_size)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        RETURNING id, created_at`
	row := q.QueryRowxContext(ctx, query,
		req.StudentID, req.CycleID, req.Kind, req.Status,
		req.PaymentReference, req.AmountCents, req.PaymentDate,
		req.PaymentProofPath, req.PaymentProofMIME, req.PaymentProofSize, req.StudentIsInternal,
		req.StudyProofPath, req.StudyProofMIME, req.StudyProofSize,
		req.ExemptionProofPath, req.ExemptionProofMIME, req.ExemptionProofSize)
	if err := row.Scan(&req.ID, &req.CreatedAt); err != nil {
		return fmt.Errorf("create enrollment request: %w", err)
	}
	return nil
}

// Rehydrate rewrites a released row in place with the new submission. The
// row keeps its id; payment data and proofs are replaced and validation
// markers cleared.
func (r *EnrollmentRepository) Rehydrate(ctx context.Context, q Querier, req *models.EnrollmentRequest) error {
	const query = `UPDATE enrollment_requests SET kind = $2, status = $3,
        payment_reference = $4, amount_cents = $5, payment_date = $6,
        payment_proof_path = $7, payment_proof_mime = $8, payment_proof_size = $9, student_is_internal = $10,
        study_proof_path = $11, study_proof_mime = $12, study_proof_size = $13,
        exemption_proof_path = $14, exemption_proof_mime = $15, exemption_proof_size = $16,
        rejection_reason = NULL, validator_id = NULL, validated_at = NULL
        WHERE id = $1`
	if _, err := q.ExecContext(ctx, query, req.ID,
		req.Kind, req.Status,
		req.PaymentReference, req.AmountCents, req.PaymentDate,
		req.PaymentProofPath, req.PaymentProofMIME, req.PaymentProofSize, req.StudentIsInternal,
		req.StudyProofPath, req.StudyProofMIME, req.StudyProofSize,
		req.ExemptionProofPath, req.ExemptionProofMIME, req.ExemptionProofSize); err != nil {
		return fmt.Errorf("rehydrate enrollment request: %w", err)
	}
	return nil
}

// FindByID returns a request by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id int64) (*models.EnrollmentRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_requests WHERE id = $1`, enrollmentColumns)
	var req models.EnrollmentRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// FindDetailByID returns a request with applicant and cycle context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id int64) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.*, u.first_name || ' ' || u.last_name AS student_name, u.email AS student_email,
        c.code AS cycle_code, c.language AS cycle_language, c.level AS cycle_level
        FROM enrollment_requests e
        JOIN users u ON u.id = e.student_id
        JOIN cycles c ON c.id = e.cycle_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns requests filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollment_requests e
JOIN users u ON u.id = e.student_id
JOIN cycles c ON c.id = e.cycle_id`
	var conditions []string
	var args []interface{}

	if filter.CycleID != 0 {
		conditions = append(conditions, fmt.Sprintf("e.cycle_id = $%d", len(args)+1))
		args = append(args, filter.CycleID)
	}
	if filter.StudentID != 0 {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
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

	query := fmt.Sprintf(`SELECT e.*, u.first_name || ' ' || u.last_name AS student_name, u.email AS student_email,
        c.code AS cycle_code, c.language AS cycle_language, c.level AS cycle_level
        %s ORDER BY e.created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var requests []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollment requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollment requests: %w", err)
	}
	return requests, total, nil
}

// Approve marks a pending request as accepted. The guard clause makes the
// decision one-shot: a row already decided, cancelled or validated matches
// zero rows and the caller reports the conflict.
func (r *EnrollmentRepository) Approve(ctx context.Context, id, validatorID int64, at time.Time) (int64, error) {
	const query = `UPDATE enrollment_requests SET status = 'ACCEPTED', validator_id = $2, validated_at = $3, rejection_reason = NULL
        WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, validatorID, at)
	if err != nil {
		return 0, fmt.Errorf("approve enrollment request: %w", err)
	}
	return res.RowsAffected()
}

// Reject marks a pending request as rejected with the given reason, under
// the same one-shot guard as Approve.
func (r *EnrollmentRepository) Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error) {
	const query = `UPDATE enrollment_requests SET status = 'REJECTED', validator_id = $2, validated_at = $3, rejection_reason = $4
        WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, validatorID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("reject enrollment request: %w", err)
	}
	return res.RowsAffected()
}

// Cancel releases a request's seat. Rows already cancelled match zero rows,
// which the service treats as idempotent success.
func (r *EnrollmentRepository) Cancel(ctx context.Context, id int64) (int64, error) {
	const query = `UPDATE enrollment_requests SET status = 'CANCELLED' WHERE id = $1 AND status <> 'CANCELLED'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("cancel enrollment request: %w", err)
	}
	return res.RowsAffected()
}

// UpdatePayment corrects the payment data of a still-pending request.
func (r *EnrollmentRepository) UpdatePayment(ctx context.Context, req *models.EnrollmentRequest) (int64, error) {
	const query = `UPDATE enrollment_requests SET payment_reference = $2, amount_cents = $3, payment_date = $4,
        payment_proof_path = $5, payment_proof_mime = $6, payment_proof_size = $7
        WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, req.ID,
		req.PaymentReference, req.AmountCents, req.PaymentDate,
		req.PaymentProofPath, req.PaymentProofMIME, req.PaymentProofSize)
	if err != nil {
		return 0, fmt.Errorf("update enrollment payment: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a pending request entirely. Only undecided rows may go;
// decided rows keep their audit trail and are cancelled instead.
func (r *EnrollmentRepository) Delete(ctx context.Context, id int64) (int64, error) {
	const query = `DELETE FROM enrollment_requests WHERE id = $1 AND status = 'SUBMITTED' AND validated_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("delete enrollment request: %w", err)
	}
	return res.RowsAffected()
}
