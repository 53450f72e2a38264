package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
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

// fakeCycles serializes WithLock callbacks through a semaphore the way the
// row lock does, honouring context cancellation while waiting.
type fakeCycles struct {
	cycle models.Cycle
	sem   chan struct{}
}

func newFakeCycles(c models.Cycle) *fakeCycles {
	return &fakeCycles{cycle: c, sem: make(chan struct{}, 1)}
}

func (f *fakeCycles) FindByID(ctx context.Context, id int64) (*models.Cycle, error) {
	if id != f.cycle.ID {
		return nil, sql.ErrNoRows
	}
	c := f.cycle
	return &c, nil
}

func (f *fakeCycles) WithLock(ctx context.Context, id int64, fn func(tx *sqlx.Tx, cycle *models.Cycle) error) error {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-f.sem }()
	if id != f.cycle.ID {
		return sql.ErrNoRows
	}
	c := f.cycle
	return fn(nil, &c)
}

type fakeEnrollments struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]models.EnrollmentRequest
}

func newFakeEnrollments() *fakeEnrollments {
	return &fakeEnrollments{nextID: 1, rows: make(map[int64]models.EnrollmentRequest)}
}

func (f *fakeEnrollments) CountHolding(ctx context.Context, q repository.Querier, cycleID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.CycleID == cycleID && admission.SeatHolding(r.Status) {
			n++
		}
	}
	return n, nil
}

func (f *fakeEnrollments) FindByPair(ctx context.Context, q repository.Querier, studentID, cycleID int64) (*models.EnrollmentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.StudentID == studentID && r.CycleID == cycleID {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeEnrollments) Create(ctx context.Context, q repository.Querier, req *models.EnrollmentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = f.nextID
	f.nextID++
	req.CreatedAt = time.Now().UTC()
	f.rows[req.ID] = *req
	return nil
}

func (f *fakeEnrollments) Rehydrate(ctx context.Context, q repository.Querier, req *models.EnrollmentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.RejectionReason = nil
	req.ValidatorID = nil
	req.ValidatedAt = nil
	f.rows[req.ID] = *req
	return nil
}

func (f *fakeEnrollments) FindByID(ctx context.Context, id int64) (*models.EnrollmentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &r, nil
}

func (f *fakeEnrollments) FindDetailByID(ctx context.Context, id int64) (*models.EnrollmentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &models.EnrollmentDetail{
		EnrollmentRequest: r,
		StudentName:       "Test Student",
		StudentEmail:      "student@example.com",
		CycleCode:         "EN-B1",
	}, nil
}

func (f *fakeEnrollments) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.EnrollmentDetail
	for _, r := range f.rows {
		if filter.CycleID != 0 && r.CycleID != filter.CycleID {
			continue
		}
		if filter.StudentID != 0 && r.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		all = append(all, models.EnrollmentDetail{EnrollmentRequest: r})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page := pageSlice(len(all), filter.Page, filter.PageSize)
	return all[page[0]:page[1]], len(all), nil
}

// pageSlice bounds one page of n rows the way the repositories do, including
// the 100-row clamp.
func pageSlice(n, page, size int) [2]int {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 100
	}
	start := (page - 1) * size
	if start > n {
		start = n
	}
	end := start + size
	if end > n {
		end = n
	}
	return [2]int{start, end}
}

func (f *fakeEnrollments) Approve(ctx context.Context, id, validatorID int64, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	r.Status = models.StatusAccepted
	r.ValidatorID = &validatorID
	r.ValidatedAt = &at
	f.rows[id] = r
	return 1, nil
}

func (f *fakeEnrollments) Reject(ctx context.Context, id, validatorID int64, reason string, at time.Time) (int64, error) {
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

func (f *fakeEnrollments) Cancel(ctx context.Context, id int64) (int64, error) {
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

func (f *fakeEnrollments) UpdatePayment(ctx context.Context, req *models.EnrollmentRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[req.ID]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	r.PaymentReference = req.PaymentReference
	r.AmountCents = req.AmountCents
	r.PaymentDate = req.PaymentDate
	r.PaymentProofPath = req.PaymentProofPath
	r.PaymentProofMIME = req.PaymentProofMIME
	r.PaymentProofSize = req.PaymentProofSize
	f.rows[req.ID] = r
	return 1, nil
}

func (f *fakeEnrollments) Delete(ctx context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r.Status != models.StatusSubmitted || r.ValidatedAt != nil {
		return 0, nil
	}
	delete(f.rows, id)
	return 1, nil
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]models.User
}

func (f *fakeUsers) FindByID(ctx context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

type fakeProofStore struct {
	mu      sync.Mutex
	saved   int
	deleted []string
}

func (f *fakeProofStore) Save(subdir, filename string, r io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return fmt.Sprintf("%s/%d_%s", subdir, f.saved, filename), nil
}

func (f *fakeProofStore) Delete(rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, rel)
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	patterns []string
}

func (f *fakeCache) DeleteByPattern(ctx context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []DecisionNote
}

func (f *fakeNotifier) EnqueueDecision(note DecisionNote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
}

type enrollmentFixture struct {
	svc      *EnrollmentService
	cycles   *fakeCycles
	requests *fakeEnrollments
	users    *fakeUsers
	store    *fakeProofStore
	cache    *fakeCache
	notifier *fakeNotifier
}

func newEnrollmentFixture(t *testing.T, capacity int, students ...int64) *enrollmentFixture {
	t.Helper()
	now := time.Now().UTC()
	cycles := newFakeCycles(models.Cycle{
		ID:            7,
		Code:          "EN-B1",
		CapacityTotal: capacity,
		EnrollStart:   now.Add(-24 * time.Hour),
		EnrollEnd:     now.Add(24 * time.Hour),
	})
	users := &fakeUsers{users: make(map[int64]models.User)}
	for _, id := range students {
		users.users[id] = models.User{ID: id, Role: models.RoleStudent, Active: true}
	}
	requests := newFakeEnrollments()
	store := &fakeProofStore{}
	cache := &fakeCache{}
	notifier := &fakeNotifier{}
	svc := NewEnrollmentService(cycles, requests, users, store, cache, notifier,
		admission.DefaultPolicy(), 2*time.Second, nil, zap.NewNop())
	return &enrollmentFixture{svc: svc, cycles: cycles, requests: requests, users: users, store: store, cache: cache, notifier: notifier}
}

func paymentUpload() *admission.Upload {
	return &admission.Upload{
		Filename:  "receipt.pdf",
		MIMEType:  "application/pdf",
		SizeBytes: 1024,
		Content:   strings.NewReader("%PDF-1.4"),
	}
}

func paymentInput() SubmitEnrollmentInput {
	amount := int64(150000)
	return SubmitEnrollmentInput{
		CycleID:      7,
		Kind:         models.KindPayment,
		AmountCents:  &amount,
		PaymentProof: paymentUpload(),
	}
}

func TestEnrollmentSubmitCapacityUnderContention(t *testing.T) {
	const seats = 3
	const applicants = 10
	students := make([]int64, applicants)
	for i := range students {
		students[i] = int64(i + 1)
	}
	fx := newEnrollmentFixture(t, seats, students...)

	var wg sync.WaitGroup
	errs := make([]error, applicants)
	for i := 0; i < applicants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.svc.Submit(context.Background(), models.Actor{ID: students[i], Role: models.RoleStudent}, paymentInput())
		}(i)
	}
	wg.Wait()

	admitted, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case appErrors.Is(err, appErrors.ErrNoCapacity):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, seats, admitted)
	assert.Equal(t, applicants-seats, refused)

	occupied, err := fx.requests.CountHolding(context.Background(), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, seats, occupied, "seats must never be oversold")
}

func TestEnrollmentSubmitDuplicate(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}

	_, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Submit(context.Background(), actor, paymentInput())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateRequest))
}

func TestEnrollmentSubmitRehydratesRejectedRow(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	first, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Reject(context.Background(), staff, first.ID, "receipt unreadable")
	require.NoError(t, err)

	second, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "resubmission reuses the released row")
	assert.Equal(t, models.StatusSubmitted, second.Status)
	assert.Nil(t, second.ValidatedAt)
	assert.Nil(t, second.RejectionReason)
	assert.NotEmpty(t, fx.store.deleted, "replaced proofs are discarded")
}

func TestEnrollmentSubmitWindowClosed(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	fx.cycles.cycle.EnrollEnd = time.Now().UTC().Add(-48 * time.Hour)

	_, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, paymentInput())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrWindowClosed))
}

func TestEnrollmentSubmitProofRules(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1, 2)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}

	in := paymentInput()
	in.PaymentProof = nil
	_, err := fx.svc.Submit(context.Background(), actor, in)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))

	internal := fx.users.users[2]
	internal.IsInternal = true
	fx.users.users[2] = internal
	_, err = fx.svc.Submit(context.Background(), models.Actor{ID: 2, Role: models.RoleStudent}, paymentInput())
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment), "internal students need a study proof")

	in = paymentInput()
	in.PaymentProof.MIMEType = "application/zip"
	_, err = fx.svc.Submit(context.Background(), actor, in)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))

	in = paymentInput()
	in.AmountCents = nil
	_, err = fx.svc.Submit(context.Background(), actor, in)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAmount))
}

func TestEnrollmentRejectRequiresReason(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Reject(context.Background(), staff, detail.ID, "  no  ")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrReasonRequired))

	current, err := fx.requests.FindByID(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, current.Status, "failed rejection leaves the row untouched")
}

func TestEnrollmentDecisionIsOneShot(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Approve(context.Background(), staff, detail.ID)
	require.NoError(t, err)

	_, err = fx.svc.Approve(context.Background(), staff, detail.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyValidated))

	_, err = fx.svc.Reject(context.Background(), staff, detail.ID, "changed my mind entirely")
	assert.True(t, appErrors.Is(err, appErrors.ErrAlreadyValidated))

	require.Len(t, fx.notifier.notes, 1)
	assert.Equal(t, models.StatusAccepted, fx.notifier.notes[0].Status)
}

func TestEnrollmentCancelIsIdempotent(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}

	detail, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	first, err := fx.svc.Cancel(context.Background(), actor, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, first.Status)

	second, err := fx.svc.Cancel(context.Background(), actor, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, second.Status)
}

func TestEnrollmentCancelFreesSeatForOthers(t *testing.T) {
	fx := newEnrollmentFixture(t, 1, 1, 2)

	detail, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Submit(context.Background(), models.Actor{ID: 2, Role: models.RoleStudent}, paymentInput())
	assert.True(t, appErrors.Is(err, appErrors.ErrNoCapacity))

	_, err = fx.svc.Cancel(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, detail.ID)
	require.NoError(t, err)

	_, err = fx.svc.Submit(context.Background(), models.Actor{ID: 2, Role: models.RoleStudent}, paymentInput())
	require.NoError(t, err)
}

func TestEnrollmentSubmitLockTimeout(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	svc := NewEnrollmentService(fx.cycles, fx.requests, fx.users, fx.store, fx.cache, fx.notifier,
		admission.DefaultPolicy(), 50*time.Millisecond, nil, zap.NewNop())

	fx.cycles.sem <- struct{}{} // hold the lock
	defer func() { <-fx.cycles.sem }()

	_, err := svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, paymentInput())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTimeout))
}

func TestEnrollmentCorrectPaymentIsStaffOnly(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}

	detail, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	amount := int64(175000)
	ref := "TRX-0042"
	in := CorrectPaymentInput{PaymentReference: &ref, AmountCents: &amount}

	_, err = fx.svc.CorrectPayment(context.Background(), actor, detail.ID, in)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden), "applicants cannot edit payment data")

	updated, err := fx.svc.CorrectPayment(context.Background(), models.Actor{ID: 99, Role: models.RoleCoordinator}, detail.ID, in)
	require.NoError(t, err)
	assert.Equal(t, amount, *updated.AmountCents)
	assert.Equal(t, ref, *updated.PaymentReference)
}

func TestEnrollmentDecisionAfterCancelConflicts(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1)
	actor := models.Actor{ID: 1, Role: models.RoleStudent}
	staff := models.Actor{ID: 99, Role: models.RoleCoordinator}

	detail, err := fx.svc.Submit(context.Background(), actor, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Cancel(context.Background(), actor, detail.ID)
	require.NoError(t, err)

	_, err = fx.svc.Approve(context.Background(), staff, detail.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict), "stale decisions ask the client to refresh")

	_, err = fx.svc.Reject(context.Background(), staff, detail.ID, "document missing entirely")
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestEnrollmentOwnershipGuard(t *testing.T) {
	fx := newEnrollmentFixture(t, 5, 1, 2)

	detail, err := fx.svc.Submit(context.Background(), models.Actor{ID: 1, Role: models.RoleStudent}, paymentInput())
	require.NoError(t, err)

	_, err = fx.svc.Get(context.Background(), models.Actor{ID: 2, Role: models.RoleStudent}, detail.ID)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	_, err = fx.svc.Get(context.Background(), models.Actor{ID: 99, Role: models.RoleCoordinator}, detail.ID)
	require.NoError(t, err)
}
