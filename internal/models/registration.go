package models

import "time"

// ExamRegistration is one applicant's claim on one placement-exam seat.
// It is the simpler sibling of EnrollmentRequest: payment only, a single
// proof slot, and an optional assigned level recorded after the sitting.
type ExamRegistration struct {
	ID        int64         `db:"id" json:"id"`
	StudentID int64         `db:"student_id" json:"student_id"`
	ExamID    int64         `db:"exam_id" json:"exam_id"`
	Status    RequestStatus `db:"status" json:"status"`

	PaymentReference *string    `db:"payment_reference" json:"payment_reference,omitempty"`
	AmountCents      *int64     `db:"amount_cents" json:"amount_cents,omitempty"`
	PaymentDate      *time.Time `db:"payment_date" json:"payment_date,omitempty"`

	ProofPath *string `db:"proof_path" json:"-"`
	ProofMIME *string `db:"proof_mime" json:"-"`
	ProofSize *int64  `db:"proof_size" json:"-"`

	AssignedLevel *string `db:"assigned_level" json:"assigned_level,omitempty"`

	RejectionReason *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ValidatorID     *int64     `db:"validator_id" json:"validator_id,omitempty"`
	ValidatedAt     *time.Time `db:"validated_at" json:"validated_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Proof returns metadata for the payment proof slot, if present.
func (r *ExamRegistration) Proof() *ProofMeta {
	return ProofRef(r.ProofPath, r.ProofMIME, r.ProofSize)
}

// ProofPaths lists every stored artifact path on the row.
func (r *ExamRegistration) ProofPaths() []string {
	if r.ProofPath != nil && *r.ProofPath != "" {
		return []string{*r.ProofPath}
	}
	return nil
}

// RegistrationDetail enriches a registration with applicant and exam
// context for staff listings.
type RegistrationDetail struct {
	ExamRegistration
	StudentName  string     `db:"student_name" json:"student_name"`
	StudentEmail string     `db:"student_email" json:"student_email"`
	ExamCode     string     `db:"exam_code" json:"exam_code"`
	ExamLanguage string     `db:"exam_language" json:"exam_language"`
	ProofMeta    *ProofMeta `json:"proof,omitempty"`
}

// AttachProof fills the serialized proof view from the flat columns.
func (d *RegistrationDetail) AttachProof() {
	d.ProofMeta = d.Proof()
}

// RegistrationFilter provides filters for staff registration listings.
type RegistrationFilter struct {
	ExamID    int64
	StudentID int64
	Status    RequestStatus
	Page      int
	PageSize  int
}
