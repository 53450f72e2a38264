package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/repository"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

type examLocker interface {
	FindByID(ctx context.Context, id int64) (*models.Exam, error)
	WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, exam *models.Exam) error) error
}

type registrationStore interface {
	CountHolding(ctx context.Context, q repository.Querier, examID int64) (int, error)
	FindByPair(ctx context.Context, q repository.Querier, studentID, examID int64) (*models.ExamRegistration, error)
	Create(ctx context.Context, q repository.Querier, reg *models.ExamRegistration) error
	Rehydrate(ctx context.Context, q repository.Querier, reg *models.ExamRegistration) error
	FindByID(ctx context.Context, id int64) (*models.ExamRegistration, error)
	FindDetailByID(ctx context.Context, id int64) (*models.RegistrationDetail, error)
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	Approve(ctx context.Context, id, validatorID int64, assignedLevel *string, at time.Time) (int64, error)
	Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error)
	Cancel(ctx context.Context, id int64) (int64, error)
	SetAssignedLevel(ctx context.Context, id int64, level string) (int64, error)
	Delete(ctx context.Context, id int64) (int64, error)
}

// SubmitRegistrationInput carries one placement-exam registration.
type SubmitRegistrationInput struct {
	ExamID           int64 `validate:"required"`
	PaymentReference *string
	AmountCents      *int64
	PaymentDate      *time.Time
	Proof            *admission.Upload
}

// RegistrationService orchestrates the placement-exam admission workflow.
// It mirrors EnrollmentService with a single proof slot and the post-exam
// level assignment.
type RegistrationService struct {
	exams         examLocker
	registrations registrationStore
	users         userReader
	store         proofStore
	cache         cacheInvalidator
	notifier      decisionNotifier
	policy        admission.Policy
	lockWait      time.Duration
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewRegistrationService constructs RegistrationService.
func NewRegistrationService(exams examLocker, registrations registrationStore, users userReader, store proofStore,
	cache cacheInvalidator, notifier decisionNotifier, policy admission.Policy, lockWait time.Duration,
	validate *validator.Validate, logger *zap.Logger) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &RegistrationService{
		exams: exams, registrations: registrations, users: users, store: store,
		cache: cache, notifier: notifier, policy: policy, lockWait: lockWait,
		validator: validate, logger: logger,
	}
}

// Submit runs the admission gate for one (student, exam) pair.
func (s *RegistrationService) Submit(ctx context.Context, actor models.Actor, in SubmitRegistrationInput) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
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

	exam, err := s.exams.FindByID(ctx, in.ExamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "exam not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load exam")
	}
	if !exam.Active {
		return nil, appErrors.Clone(appErrors.ErrWindowClosed, "this exam is not accepting registrations")
	}
	start, end := exam.AdmissionWindow()
	if !admission.WindowOpen(start, end, time.Now().UTC()) {
		return nil, appErrors.ErrWindowClosed
	}

	if err := s.policy.CheckAmount(models.KindPayment, in.AmountCents); err != nil {
		return nil, err
	}
	if in.Proof == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidAttachment, "a payment proof is required")
	}
	if err := s.policy.CheckUpload(in.Proof); err != nil {
		return nil, err
	}

	rel, err := s.store.Save("placements", in.Proof.Filename, in.Proof.Content)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store proof document")
	}

	row := &models.ExamRegistration{
		StudentID:        actor.ID,
		ExamID:           exam.ID,
		Status:           models.StatusSubmitted,
		PaymentReference: in.PaymentReference,
		AmountCents:      in.AmountCents,
		PaymentDate:      in.PaymentDate,
		ProofPath:        &rel,
		ProofMIME:        &in.Proof.MIMEType,
		ProofSize:        &in.Proof.SizeBytes,
	}

	var replaced []string
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	err = s.exams.WithLock(lockCtx, exam.ID, func(tx *sqlx.Tx, locked *models.Exam) error {
		prior, err := s.registrations.FindByPair(lockCtx, tx, actor.ID, locked.ID)
		if err != nil {
			return err
		}
		occupied, err := s.registrations.CountHolding(lockCtx, tx, locked.ID)
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
			return s.registrations.Rehydrate(lockCtx, tx, row)
		}
		return s.registrations.Create(lockCtx, tx, row)
	})
	if err != nil {
		s.discardArtifacts([]string{rel})
		return nil, s.mapLockError(err, "exam not found")
	}

	s.discardArtifacts(replaced)
	s.invalidateCatalog(ctx)

	return s.detail(ctx, row.ID)
}

// Get returns one registration. Applicants only see their own.
func (s *RegistrationService) Get(ctx context.Context, actor models.Actor, id int64) (*models.RegistrationDetail, error) {
	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, detail.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not your registration")
	}
	return detail, nil
}

// List returns registrations for staff review with pagination metadata.
func (s *RegistrationService) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	details, total, err := s.registrations.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	for i := range details {
		details[i].AttachProof()
	}
	return details, paginationFor(filter.Page, filter.PageSize, total), nil
}

// ListMine returns the applicant's own registrations.
func (s *RegistrationService) ListMine(ctx context.Context, actor models.Actor, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	filter.StudentID = actor.ID
	return s.List(ctx, filter)
}

// Cancel releases the registration's seat, idempotently.
func (s *RegistrationService) Cancel(ctx context.Context, actor models.Actor, id int64) (*models.RegistrationDetail, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, reg.StudentID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not your registration")
	}
	rows, err := s.registrations.Cancel(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel registration")
	}
	if rows > 0 {
		s.invalidateCatalog(ctx)
	}
	return s.detail(ctx, id)
}

// Withdraw deletes a still-pending registration entirely.
func (s *RegistrationService) Withdraw(ctx context.Context, actor models.Actor, id int64) error {
	reg, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !canAccess(actor, reg.StudentID) {
		return appErrors.Clone(appErrors.ErrForbidden, "not your registration")
	}
	rows, err := s.registrations.Delete(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw registration")
	}
	if rows == 0 {
		if reg.ValidatedAt != nil {
			return appErrors.ErrAlreadyValidated
		}
		return appErrors.Clone(appErrors.ErrConflict, "only pending registrations can be withdrawn")
	}
	s.discardArtifacts(reg.ProofPaths())
	s.invalidateCatalog(ctx)
	return nil
}

// Approve accepts a pending registration, optionally recording the level
// the sitting assigned. The decision is one-shot.
func (s *RegistrationService) Approve(ctx context.Context, actor models.Actor, id int64, assignedLevel *string) (*models.RegistrationDetail, error) {
	rows, err := s.registrations.Approve(ctx, id, actor.ID, assignedLevel, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve registration")
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

// Reject declines a pending registration with a mandatory reason.
func (s *RegistrationService) Reject(ctx context.Context, actor models.Actor, id int64, reason string) (*models.RegistrationDetail, error) {
	normalized, err := s.policy.CheckReason(reason)
	if err != nil {
		return nil, err
	}
	rows, err := s.registrations.Reject(ctx, id, actor.ID, normalized, time.Now().UTC())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject registration")
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

// AssignLevel records or corrects the level assigned after the sitting.
func (s *RegistrationService) AssignLevel(ctx context.Context, id int64, level string) (*models.RegistrationDetail, error) {
	if level == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assigned level is required")
	}
	rows, err := s.registrations.SetAssignedLevel(ctx, id, level)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign level")
	}
	if rows == 0 {
		reg, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if reg.Status != models.StatusAccepted {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "only accepted registrations carry a level")
		}
		return nil, appErrors.ErrConflict
	}
	return s.detail(ctx, id)
}

func (s *RegistrationService) load(ctx context.Context, id int64) (*models.ExamRegistration, error) {
	reg, err := s.registrations.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return reg, nil
}

func (s *RegistrationService) detail(ctx context.Context, id int64) (*models.RegistrationDetail, error) {
	detail, err := s.registrations.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	detail.AttachProof()
	return detail, nil
}

func (s *RegistrationService) decisionConflict(ctx context.Context, id int64, wanted models.RequestStatus) error {
	reg, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if reg.ValidatedAt != nil {
		return appErrors.ErrAlreadyValidated
	}
	// A decision racing a cancellation is a stale view, not a bad transition.
	if reg.Status == models.StatusCancelled {
		return appErrors.Clone(appErrors.ErrConflict, "registration was cancelled, refresh and retry")
	}
	if !admission.CanTransition(reg.Status, wanted) {
		return appErrors.ErrInvalidTransition
	}
	return appErrors.ErrConflict
}

func (s *RegistrationService) notifyDecision(detail *models.RegistrationDetail, reason *string) {
	if s.notifier == nil {
		return
	}
	s.notifier.EnqueueDecision(DecisionNote{
		Resource:     "placement",
		RequestID:    detail.ID,
		StudentName:  detail.StudentName,
		StudentEmail: detail.StudentEmail,
		Offering:     detail.ExamCode,
		Status:       detail.Status,
		Reason:       reason,
	})
}

func (s *RegistrationService) discardArtifacts(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := s.store.Delete(p); err != nil {
			s.logger.Warn("failed to remove proof artifact", zap.String("path", p), zap.Error(err))
		}
	}
}

func (s *RegistrationService) invalidateCatalog(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "catalog:exams:*"); err != nil {
		s.logger.Warn("failed to invalidate exam catalog cache", zap.Error(err))
	}
}

// mapLockError translates failures surfaced by the offering lock into the
// admission error taxonomy.
func (s *RegistrationService) mapLockError(err error, notFound string) error {
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
