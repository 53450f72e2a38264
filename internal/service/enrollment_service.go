package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/repository"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

type cycleLocker interface {
	FindByID(ctx context.Context, id int64) (*models.Cycle, error)
	WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, cycle *models.Cycle) error) error
}

type enrollmentStore interface {
	CountHolding(ctx context.Context, q repository.Querier, cycleID int64) (int, error)
	FindByPair(ctx context.Context, q repository.Querier, studentID, cycleID int64) (*models.EnrollmentRequest, error)
	Create(ctx context.Context, q repository.Querier, req *models.EnrollmentRequest) error
	Rehydrate(ctx context.Context, q repository.Querier, req *models.EnrollmentRequest) error
	FindByID(ctx context.Context, id int64) (*models.EnrollmentRequest, error)
	FindDetailByID(ctx context.Context, id int64) (*models.EnrollmentDetail, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	Approve(ctx context.Context, id, validatorID int64, at time.Time) (int64, error)
	Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error)
	Cancel(ctx context.Context, id int64) (int64, error)
	UpdatePayment(ctx context.Context, req *models.EnrollmentRequest) (int64, error)
	Delete(ctx context.Context, id int64) (int64, error)
}

type userReader interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

type proofStore interface {
	Save(subdir, filename string, r io.Reader) (string, error)
	Delete(rel string) error
}

type cacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

type decisionNotifier interface {
	EnqueueDecision(note DecisionNote)
}

// SubmitEnrollmentInput carries one enrollment submission, proofs included.
type SubmitEnrollmentInput struct {
	CycleID          int64              `validate:"required"`
	Kind             models.RequestKind `validate:"required,oneof=PAYMENT EXEMPTION"`
	PaymentReference *string
	AmountCents      *int64
	PaymentDate      *time.Time
	PaymentProof     *admission.Upload
	StudyProof       *admission.Upload
	ExemptionProof   *admission.Upload
}

// CorrectPaymentInput carries a payment correction for a pending request.
type CorrectPaymentInput struct {
	PaymentReference *string
	AmountCents      *int64 `validate:"required"`
	PaymentDate      *time.Time
	Proof            *admission.Upload
}

// EnrollmentService orchestrates the course-cycle admission workflow: the
// capacity-gated submission, the applicant's cancel and withdraw, and the
// staff decisions.
type EnrollmentService struct {
	cycles    cycleLocker
	requests  enrollmentStore
	users     userReader
	store     proofStore
	cache     cacheInvalidator
	notifier  decisionNotifier
	policy    admission.Policy
	lockWait  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(cycles cycleLocker, requests enrollmentStore, users userReader, store proofStore,
	cache cacheInvalidator, notifier decisionNotifier, policy admission.Policy, lockWait time.Duration,
	validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &EnrollmentService{
		cycles: cycles, requests: requests, users: users, store: store,
		cache: cache, notifier: notifier, policy: policy, lockWait: lockWait,
		validator: validate, logger: logger,
	}
}

// Submit runs the admission gate for one (student, cycle) pair. Paperwork
// is validated and stored before the cycle lock is taken; the duplicate and
// capacity checks run under the lock.
func (s *EnrollmentService) Submit(ctx context.Context, actor models.Actor, in SubmitEnrollmentInput) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	student, err := s.users.FindByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	cycle, err := s.cycles.FindByID(ctx, in.CycleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "cycle not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load cycle")
	}
	start, end := cycle.AdmissionWindow()
	if !admission.WindowOpen(start, end, time.Now().UTC()) {
		return nil, appErrors.ErrWindowClosed
	}

	if err := s.policy.CheckAmount(in.Kind, in.AmountCents); err != nil {
		return nil, err
	}
	if err := s.checkEnrollmentProofs(in, student.IsInternal); err != nil {
		return nil, err
	}

	row := &models.EnrollmentRequest{
		StudentID:         actor.ID,
		CycleID:           cycle.ID,
		Kind:              in.Kind,
		Status:            models.StatusSubmitted,
		PaymentReference:  in.PaymentReference,
		AmountCents:       in.AmountCents,
		PaymentDate:       in.PaymentDate,
		StudentIsInternal: student.IsInternal,
	}

	var saved []string
	keep := func(u *admission.Upload, path, mime *string, size *int64) error {
		if u == nil {
			return nil
		}
		rel, err := s.store.Save("enrollments", u.Filename, u.Content)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store proof document")
		}
		saved = append(saved, rel)
		*path, *mime, *size = rel, u.MIMEType, u.SizeBytes
		return nil
	}
	row.PaymentProofPath, row.PaymentProofMIME, row.PaymentProofSize = new(string), new(string), new(int64)
	row.StudyProofPath, row.StudyProofMIME, row.StudyProofSize = new(string), new(string), new(int64)
	row.ExemptionProofPath, row.ExemptionProofMIME, row.ExemptionProofSize = new(string), new(string), new(int64)
	clearEmptySlots := func() {
		if in.PaymentProof == nil {
			row.PaymentProofPath, row.PaymentProofMIME, row.PaymentProofSize = nil, nil, nil
		}
		if in.StudyProof == nil {
			row.StudyProofPath, row.StudyProofMIME, row.StudyProofSize = nil, nil, nil
		}
		if in.ExemptionProof == nil {
			row.ExemptionProofPath, row.ExemptionProofMIME, row.ExemptionProofSize = nil, nil, nil
		}
	}
	if err := keep(in.PaymentProof, row.PaymentProofPath, row.PaymentProofMIME, row.PaymentProofSize); err != nil {
		s.discardArtifacts(saved)
		return nil, err
	}
	if err := keep(in.StudyProof, row.StudyProofPath, row.StudyProofMIME, row.StudyProofSize); err != nil {
		s.discardArtifacts(saved)
		return nil, err
	}
	if err := keep(in.ExemptionProof, row.ExemptionProofPath, row.ExemptionProofMIME, row.ExemptionProofSize); err != nil {
		s.discardArtifacts(saved)
		return nil, err
	}
	clearEmptySlots()

	var replaced []string
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	err = s.cycles.WithLock(lockCtx, cycle.ID, func(tx *sqlx.Tx, locked *models.Cycle) error {
		prior, err := s.requests.FindByPair(lockCtx, tx, actor.ID, locked.ID)
		if err != nil {
			return err
		}
		occupied, err := s.requests.CountHolding(lockCtx, tx, locked.ID)
		if err != nil {
			return err
		}
		p := admission.Prior{}
		if prior != nil {
			p = admission.Prior{Found: true, Status: prior.Status}
		}
		action, err := admission.Decide(p, locked.Seats(), occupied)
		if err != nil {
			return err
		}
		if action == admission.ActionRehydrate {
			row.ID = prior.ID
			row.CreatedAt = prior.CreatedAt
			replaced = prior.ProofPaths()
			return s.requests.Rehydrate(lockCtx, tx, row)
		}
		return s.requests.Create(lockCtx, tx, row)
	})
	if err != nil {
		s.discardArtifacts(saved)
		return nil, s.mapLockError(err, "cycle not found")
	}

	s.discardArtifacts(replaced)
	s.invalidateCatalog(ctx)

	return s.detail(ctx, row.ID)
}

// Get returns one request. Applicants only see their own.
func (s *EnrollmentService) Get(ctx context.Context, actor models.Actor, id int64) (*models.EnrollmentDetail, error) {
	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, detail.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not your request")
	}
	return detail, nil
}

// List returns requests for staff review with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	details, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	for i := range details {
		details[i].AttachProofs()
	}
	return details, paginationFor(filter.Page, filter.PageSize, total), nil
}

// ListMine returns the applicant's own requests.
func (s *EnrollmentService) ListMine(ctx context.Context, actor models.Actor, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	filter.StudentID = actor.ID
	return s.List(ctx, filter)
}

// Cancel releases the request's seat. Cancelling an already cancelled
// request succeeds without effect.
func (s *EnrollmentService) Cancel(ctx context.Context, actor models.Actor, id int64) (*models.EnrollmentDetail, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, req.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not your request")
	}
	rows, err := s.requests.Cancel(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel request")
	}
	if rows > 0 {
		s.invalidateCatalog(ctx)
	}
	return s.detail(ctx, id)
}

// Withdraw deletes a still-pending request entirely, artifacts included.
// Decided requests keep their audit trail and must be cancelled instead.
func (s *EnrollmentService) Withdraw(ctx context.Context, actor models.Actor, id int64) error {
	req, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !canAccess(actor, req.StudentID) {
		return appErrors.Clone(appErrors.ErrForbidden, "not your request")
	}
	rows, err := s.requests.Delete(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw request")
	}
	if rows == 0 {
		if req.ValidatedAt != nil {
			return appErrors.ErrAlreadyValidated
		}
		return appErrors.Clone(appErrors.ErrConflict, "only pending requests can be withdrawn")
	}
	s.discardArtifacts(req.ProofPaths())
	s.invalidateCatalog(ctx)
	return nil
}

// Approve accepts a pending request. The decision is one-shot.
func (s *EnrollmentService) Approve(ctx context.Context, actor models.Actor, id int64) (*models.EnrollmentDetail, error) {
	rows, err := s.requests.Approve(ctx, id, actor.ID, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve request")
	}
	if rows == 0 {
		return nil, s.decisionConflict(ctx, id, models.StatusAccepted)
	}
	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifyDecision(detail, nil)
	return detail, nil
}

// Reject declines a pending request with a mandatory reason, releasing its
// seat. The decision is one-shot.
func (s *EnrollmentService) Reject(ctx context.Context, actor models.Actor, id int64, reason string) (*models.EnrollmentDetail, error) {
	normalized, err := s.policy.CheckReason(reason)
	if err != nil {
		return nil, err
	}
	rows, err := s.requests.Reject(ctx, id, actor.ID, normalized, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject request")
	}
	if rows == 0 {
		return nil, s.decisionConflict(ctx, id, models.StatusRejected)
	}
	s.invalidateCatalog(ctx)
	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifyDecision(detail, &normalized)
	return detail, nil
}

// CorrectPayment lets staff fix payment data recorded on a still-pending
// payment request, optionally replacing the payment proof.
func (s *EnrollmentService) CorrectPayment(ctx context.Context, actor models.Actor, id int64, in CorrectPaymentInput) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment correction payload")
	}
	if !actor.Role.IsStaff() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "payment correction is a staff operation")
	}
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Kind != models.KindPayment {
		return nil, appErrors.Clone(appErrors.ErrValidation, "only payment requests carry payment data")
	}
	if err := s.policy.CheckAmount(models.KindPayment, in.AmountCents); err != nil {
		return nil, err
	}

	oldProof := req.PaymentProofPath
	if in.Proof != nil {
		if err := s.policy.CheckUpload(in.Proof); err != nil {
			return nil, err
		}
		rel, err := s.store.Save("enrollments", in.Proof.Filename, in.Proof.Content)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store proof document")
		}
		req.PaymentProofPath = &rel
		req.PaymentProofMIME = &in.Proof.MIMEType
		req.PaymentProofSize = &in.Proof.SizeBytes
	}
	req.PaymentReference = in.PaymentReference
	req.AmountCents = in.AmountCents
	req.PaymentDate = in.PaymentDate

	rows, err := s.requests.UpdatePayment(ctx, req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to correct payment")
	}
	if rows == 0 {
		if in.Proof != nil {
			s.discardArtifacts([]string{*req.PaymentProofPath})
		}
		if req.ValidatedAt != nil {
			return nil, appErrors.ErrAlreadyValidated
		}
		return nil, appErrors.Clone(appErrors.ErrConflict, "only pending requests can be corrected")
	}
	if in.Proof != nil && oldProof != nil && *oldProof != "" {
		s.discardArtifacts([]string{*oldProof})
	}
	return s.detail(ctx, id)
}

func (s *EnrollmentService) checkEnrollmentProofs(in SubmitEnrollmentInput, isInternal bool) error {
	switch in.Kind {
	case models.KindPayment:
		if in.PaymentProof == nil {
			return appErrors.Clone(appErrors.ErrInvalidAttachment, "a payment proof is required")
		}
		if isInternal && in.StudyProof == nil {
			return appErrors.Clone(appErrors.ErrInvalidAttachment, "internal students must attach a study-status proof")
		}
	case models.KindExemption:
		if in.ExemptionProof == nil {
			return appErrors.Clone(appErrors.ErrInvalidAttachment, "an exemption proof is required")
		}
	}
	for _, u := range []*admission.Upload{in.PaymentProof, in.StudyProof, in.ExemptionProof} {
		if u == nil {
			continue
		}
		if err := s.policy.CheckUpload(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *EnrollmentService) load(ctx context.Context, id int64) (*models.EnrollmentRequest, error) {
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

func (s *EnrollmentService) detail(ctx context.Context, id int64) (*models.EnrollmentDetail, error) {
	detail, err := s.requests.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	detail.AttachProofs()
	return detail, nil
}

// decisionConflict explains why a one-shot decision update matched nothing.
func (s *EnrollmentService) decisionConflict(ctx context.Context, id int64, wanted models.RequestStatus) error {
	req, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if req.ValidatedAt != nil {
		return appErrors.ErrAlreadyValidated
	}
	// A decision racing a cancellation is a stale view, not a bad transition.
	if req.Status == models.StatusCancelled {
		return appErrors.Clone(appErrors.ErrConflict, "request was cancelled, refresh and retry")
	}
	if !admission.CanTransition(req.Status, wanted) {
		return appErrors.ErrInvalidTransition
	}
	return appErrors.ErrConflict
}

func (s *EnrollmentService) notifyDecision(detail *models.EnrollmentDetail, reason *string) {
	if s.notifier == nil {
		return
	}
	s.notifier.EnqueueDecision(DecisionNote{
		Resource:     "enrollment",
		RequestID:    detail.ID,
		StudentName:  detail.StudentName,
		StudentEmail: detail.StudentEmail,
		Offering:     detail.CycleCode,
		Status:       detail.Status,
		Reason:       reason,
	})
}

func (s *EnrollmentService) discardArtifacts(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := s.store.Delete(p); err != nil {
			s.logger.Warn("failed to remove proof artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

func (s *EnrollmentService) invalidateCatalog(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "catalog:cycles:*"); err != nil {
		s.logger.Warn("failed to invalidate cycle catalog cache", zap.Error(err))
	}
}

// mapLockError translates failures surfaced by the offering lock into the
// admission error taxonomy.
func (s *EnrollmentService) mapLockError(err error, notFound string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return appErrors.ErrTimeout
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, notFound)
	}
	var typed *appErrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "admission transaction failed")
}

func canAccess(actor models.Actor, ownerID int64) bool {
	return actor.Role.IsStaff() || actor.ID == ownerID
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
