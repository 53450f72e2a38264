package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/admission"
	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/internal/repository"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

type fakeExams struct {
	exam models.Exam
	sem  chan struct{}
}

func newFakeExams(e models.Exam) *fakeExams {
	return &fakeExams{exam: e, sem: make(chan struct{}, 1)}
}

func (f *fakeExams) FindByID(ctx context.Context, id int64) (*models.Exam, error) {
	if id != f.exam.ID {
		return nil, sql.ErrNoRows
	}
	e := f.exam
	return &e, nil
}

func (f *fakeExams) WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, exam *models.Exam) error) error {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-f.sem }()
	if id != f.exam.ID {
		return sql.ErrNoRows
	}
	e := f.exam
	return fn(nil, &e)
}

type fakeRegistrations struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]models.ExamRegistration
}

func newFakeRegistrations() *fakeRegistrations {
	return &fakeRegistrations{nextID: 1, rows: make(map[int64]models.ExamRegistration)}
}

func (f *fakeRegistrations) CountHolding(ctx context.Context, q repository.Querier, examID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.ExamID == examID && admission.SeatHolding(r.Status) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistrations) FindByPair(ctx context.Context, q repository.Querier, studentID, examID int64) (*models.ExamRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.StudentID == studentID && r.ExamID == examID {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeRegistrations) Create(ctx context.Context, q repository.Querier, reg *models.ExamRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg.ID = f.nextID
	f.nextID++
	reg.CreatedAt = time.Now().UTC()
	f.rows[reg.ID] = *reg
	return nil
}

func (f *fakeRegistrations) Rehydrate(ctx context.Context, q repository.Querier, reg *models.ExamRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg.AssignedLevel = nil
	reg.RejectionReason = nil
	reg.ValidatorID = nil
	reg.ValidatedAt = nil
	f.rows[reg.ID] = *reg
	return nil
}

func (f *fakeRegistrations) FindByID(ctx context.Context, id int64) (*models.ExamRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &r, nil
}

func (f *fakeRegistrations) FindDetailByID(ctx context.Context, id int64) (*models.RegistrationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.RegistrationDetail{
		ExamRegistration: r,
		StudentName:      "Test Student",
		StudentEmail:     "student@example.com",
		ExamCode:         "PL-EN",
	}, nil
}

func (f *fakeRegistrations) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.RegistrationDetail
	for _, r := range f.rows {
		if filter.ExamID != 0 && r.ExamID != filter.ExamID {
			continue
		}
		if filter.StudentID != 0 && r.StudentID != filter.StudentID {
			continue
		}
		all = append(all, models.RegistrationDetail{ExamRegistration: r})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page := pageSlice(len(all), filter.Page, filter.PageSize)
	return all[page[0]:page[1]], len(all), nil
}

func (f *fakeRegistrations) Approve(ctx context.Context, id, validatorID int64, assignedLevel *string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	r.Status = models.StatusAccepted
	r.AssignedLevel = assignedLevel
	r.ValidatorID = &validatorID
	r.ValidatedAt = &at
	f.rows[id] = r
	return 1, nil
}

func (f *fakeRegistrations) Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	r.Status = models.StatusRejected
	r.RejectionReason = &reason
	r.ValidatorID = &validatorID
	r.ValidatedAt = &at
	f.rows[id] = r
	return 1, nil
}

func (f *fakeRegistrations) Cancel(ctx context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status == models.StatusCancelled {
		return 0, nil
	}
	r.Status = models.StatusCancelled
	f.rows[id] = r
	return 1, nil
}

func (f *fakeRegistrations) SetAssignedLevel(ctx context.Context, id int64, level string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusAccepted {
		return 0, nil
	}
	r.AssignedLevel = &level
	f.rows[id] = r
	return 1, nil
}

func (f *fakeRegistrations) Delete(ctx context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	delete(f.rows, id)
	return 1, nil
}

type registrationFixture struct {
	svc           *RegistrationService
	exams         *fakeExams
	registrations *fakeRegistrations
	users         *fakeUsers
	store         *fakeProofStore
}

func newRegistrationFixture(t *testing.T, capacity int, students ...int64) *registrationFixture {
	t.Helper()
	exams := newFakeExams(models.Exam{
		ID:            4,
		Code:          "PL-EN",
		CapacityTotal: capacity,
		Active:        true,
	})
	users := &fakeUsers{users: make(map[int64]models.User)}
	for _, id := range students {
		users.users[id] = models.User{ID: id, Role: models.RoleStudent, Active: true}
	}
	registrations := newFakeRegistrations()
	store := &fakeProofStore{}
	svc := NewRegistrationService(exams, registrations, users, store, &fakeCache{}, &fakeNotifier{},
		admission.DefaultPolicy(), 2*time.Second, nil, zap.NewNop())
	return &registrationFixture{svc: svc, exams: exams, registrations: registrations, users: users, store: store}
}

func registrationInput() SubmitRegistrationInput {
	amount := int64(50000)
	return SubmitRegistrationInput{
		ExamID:      4,
		AmountCents: &amount,
		Proof:       paymentUpload(),
	}
}

func TestRegistrationSubmitCapacityUnderContention(t *testing.T) {
	const seats = 2
	const applicants = 8
	students := make([]int64, applicants)
	for i := range students {
		students[i] = int64(i + 1)
	}
	fx := newRegistrationFixture(t, seats, students...)

	var wg sync.WaitGroup
	errs := make([]error, applicants)
	for i := 0; i < applicants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.svc.Submit(context.Background(), models.Actor{ID: students[i], Role: models.RoleStudent}, registrationInput())
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.True(t, appErrors.Is(err, appErrors.ErrNoCapacity))
		}
	}
	assert.Equal(t, seats, admitted)
}

func TestRegistrationSubmitWithoutWindowIsAlwaysOpen(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)

	_, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, registrationInput())
	require.NoError(t, err, "exams without a registration window accept registrations at any date")
}

func TestRegistrationSubmitInactiveExam(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)
	fx.exams.exam.Active = false

	_, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, registrationInput())
	assert.True(t, appErrors.Is(err, appErrors.ErrWindowClosed))
}

func TestRegistrationSubmitRequiresProof(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)

	in := registrationInput()
	in.Proof = nil
	_, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, in)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))
}

func TestRegistrationApproveWithLevelThenCorrect(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, registrationInput())
	require.NoError(t, err)

	level := "B1"
	approved, err := fx.svc.Approve(context.Background(), staff, detail.ID, &level)
	require.NoError(t, err)
	require.NotNil(t, approved.AssignedLevel)
	assert.Equal(t, "B1", *approved.AssignedLevel)

	corrected, err := fx.svc.AssignLevel(context.Background(), detail.ID, "B2")
	require.NoError(t, err)
	assert.Equal(t, "B2", *corrected.AssignedLevel)
}

func TestRegistrationAssignLevelNeedsAcceptedRow(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}

	detail, err := fx.svc.Submit(context.Background(), actor, registrationInput())
	require.NoError(t, err)

	_, err = fx.svc.AssignLevel(context.Background(), detail.ID, "A2")
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestRegistrationDecisionAfterCancelConflicts(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, registrationInput())
	require.NoError(t, err)

	_, err = fx.svc.Cancel(context.Background(), actor, detail.ID)
	require.NoError(t, err)

	_, err = fx.svc.Approve(context.Background(), staff, detail.ID, nil)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict), "stale decisions ask the client to refresh")
}

func TestRegistrationRehydrateClearsAssignedLevel(t *testing.T) {
	fx := newRegistrationFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, registrationInput())
	require.NoError(t, err)

	level := "A2"
	_, err = fx.svc.Approve(context.Background(), staff, detail.ID, &level)
	require.NoError(t, err)

	_, err = fx.svc.Cancel(context.Background(), actor, detail.ID)
	require.NoError(t, err)

	again, err := fx.svc.Submit(context.Background(), actor, registrationInput())
	require.NoError(t, err)
	assert.Equal(t, detail.ID, again.ID)
	assert.Nil(t, again.AssignedLevel)
	assert.Nil(t, again.ValidatedAt)
}
