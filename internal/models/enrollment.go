package models

import "time"

// EnrollmentRequest is one applicant's claim on one cycle's seat, together
// with the paperwork backing it. At most one non-released request exists
// per (student, cycle) pair; rejected and cancelled rows are rehydrated in
// place on resubmission so the original id and audit trail survive.
type EnrollmentRequest struct {
	ID        int64         `db:"id" json:"id"`
	StudentID int64         `db:"student_id" json:"student_id"`
	CycleID   int64         `db:"cycle_id" json:"cycle_id"`
	Kind      RequestKind   `db:"kind" json:"kind"`
	Status    RequestStatus `db:"status" json:"status"`

	PaymentReference *string    `db:"payment_reference" json:"payment_reference,omitempty"`
	AmountCents      *int64     `db:"amount_cents" json:"amount_cents,omitempty"`
	PaymentDate      *time.Time `db:"payment_date" json:"payment_date,omitempty"`

	PaymentProofPath *string `db:"payment_proof_path" json:"-"`
	PaymentProofMIME *string `db:"payment_proof_mime" json:"-"`
	PaymentProofSize *int64  `db:"payment_proof_size" json:"-"`

	StudentIsInternal bool    `db:"student_is_internal" json:"student_is_internal"`
	StudyProofPath    *string `db:"study_proof_path" json:"-"`
	StudyProofMIME    *string `db:"study_proof_mime" json:"-"`
	StudyProofSize    *int64  `db:"study_proof_size" json:"-"`

	ExemptionProofPath *string `db:"exemption_proof_path" json:"-"`
	ExemptionProofMIME *string `db:"exemption_proof_mime" json:"-"`
	ExemptionProofSize *int64  `db:"exemption_proof_size" json:"-"`

	RejectionReason *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ValidatorID     *int64     `db:"validator_id" json:"validator_id,omitempty"`
	ValidatedAt     *time.Time `db:"validated_at" json:"validated_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PaymentProof returns metadata for the primary proof slot, if present.
func (r *EnrollmentRequest) PaymentProof() *ProofMeta {
	return ProofRef(r.PaymentProofPath, r.PaymentProofMIME, r.PaymentProofSize)
}

// StudyProof returns metadata for the study-status proof slot, if present.
func (r *EnrollmentRequest) StudyProof() *ProofMeta {
	return ProofRef(r.StudyProofPath, r.StudyProofMIME, r.StudyProofSize)
}

// ExemptionProof returns metadata for the exemption proof slot, if present.
func (r *EnrollmentRequest) ExemptionProof() *ProofMeta {
	return ProofRef(r.ExemptionProofPath, r.ExemptionProofMIME, r.ExemptionProofSize)
}

// ProofPaths lists every stored artifact path on the row.
func (r *EnrollmentRequest) ProofPaths() []string {
	var paths []string
	for _, p := range []*string{r.PaymentProofPath, r.StudyProofPath, r.ExemptionProofPath} {
		if p != nil && *p != "" {
			paths = append(paths, *p)
		}
	}
	return paths
}

// EnrollmentDetail enriches a request with applicant and cycle context for
// staff listings.
type EnrollmentDetail struct {
	EnrollmentRequest
	StudentName  string  `db:"student_name" json:"student_name"`
	StudentEmail string  `db:"student_email" json:"student_email"`
	CycleCode    string  `db:"cycle_code" json:"cycle_code"`
	CycleLang    string  `db:"cycle_language" json:"cycle_language"`
	CycleLevel   string  `db:"cycle_level" json:"cycle_level"`
	Proofs       *Proofs `json:"proofs,omitempty"`
}

// Proofs is the serialized view of the three enrollment proof slots.
type Proofs struct {
	Payment   *ProofMeta `json:"payment,omitempty"`
	Study     *ProofMeta `json:"study,omitempty"`
	Exemption *ProofMeta `json:"exemption,omitempty"`
}

// AttachProofs fills the serialized proof view from the flat columns.
func (d *EnrollmentDetail) AttachProofs() {
	d.Proofs = &Proofs{
		Payment:   d.PaymentProof(),
		Study:     d.StudyProof(),
		Exemption: d.ExemptionProof(),
	}
}

// EnrollmentFilter provides filters for staff request listings.
type EnrollmentFilter struct {
	CycleID   int64
	StudentID int64
	Status    RequestStatus
	Page      int
	PageSize  int
}
