package admission

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langcenter/enrollment-api/internal/models"
	appErrors "github.com/langcenter/enrollment-api/pkg/errors"
)

func TestSeatHolding(t *testing.T) {
	assert.True(t, SeatHolding(models.StatusSubmitted))
	assert.True(t, SeatHolding(models.StatusAccepted))
	assert.False(t, SeatHolding(models.StatusRejected))
	assert.False(t, SeatHolding(models.StatusCancelled))
}

func TestCanTransition(t *testing.T) {
	legal := [][2]models.RequestStatus{
		{models.StatusSubmitted, models.StatusAccepted},
		{models.StatusSubmitted, models.StatusRejected},
		{models.StatusSubmitted, models.StatusCancelled},
		{models.StatusAccepted, models.StatusCancelled},
		{models.StatusRejected, models.StatusSubmitted},
		{models.StatusCancelled, models.StatusSubmitted},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
	}

	illegal := [][2]models.RequestStatus{
		{models.StatusAccepted, models.StatusSubmitted},
		{models.StatusAccepted, models.StatusRejected},
		{models.StatusRejected, models.StatusAccepted},
		{models.StatusCancelled, models.StatusAccepted},
		{models.StatusCancelled, models.StatusRejected},
		{models.StatusSubmitted, models.StatusSubmitted},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s should be illegal", edge[0], edge[1])
	}
}

func TestAvailableNeverNegative(t *testing.T) {
	assert.Equal(t, 3, Available(5, 2))
	assert.Equal(t, 0, Available(5, 5))
	assert.Equal(t, 0, Available(5, 9))
	assert.Equal(t, 0, Available(0, 0))
}

func TestWindowOpen(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	// Inclusive on both bounds, regardless of the time of day.
	assert.True(t, WindowOpen(&start, &end, time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)))
	assert.True(t, WindowOpen(&start, &end, time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC)))
	assert.True(t, WindowOpen(&start, &end, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)))

	assert.False(t, WindowOpen(&start, &end, time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)))
	assert.False(t, WindowOpen(&start, &end, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)))

	// Exams without a window admit at any date.
	assert.True(t, WindowOpen(nil, nil, time.Now()))
	assert.True(t, WindowOpen(&start, nil, end.AddDate(1, 0, 0)))
	assert.False(t, WindowOpen(&start, nil, start.AddDate(0, 0, -1)))
}

func TestDecideDuplicateBeatsCapacity(t *testing.T) {
	// A holding prior row is a duplicate even when seats remain.
	_, err := Decide(Prior{Found: true, Status: models.StatusSubmitted}, 10, 1)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateRequest))

	_, err = Decide(Prior{Found: true, Status: models.StatusAccepted}, 10, 1)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateRequest))
}

func TestDecideCapacity(t *testing.T) {
	_, err := Decide(Prior{}, 1, 1)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoCapacity))

	action, err := Decide(Prior{}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, action)
}

func TestDecideRehydratesReleasedRow(t *testing.T) {
	action, err := Decide(Prior{Found: true, Status: models.StatusRejected}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionRehydrate, action)

	action, err = Decide(Prior{Found: true, Status: models.StatusCancelled}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, ActionRehydrate, action)

	// A released row still needs a free seat to come back.
	_, err = Decide(Prior{Found: true, Status: models.StatusRejected}, 1, 1)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoCapacity))
}

func TestPolicyCheckUpload(t *testing.T) {
	p := DefaultPolicy()

	err := p.CheckUpload(&Upload{Filename: "proof.pdf", MIMEType: "application/pdf", SizeBytes: 1024})
	assert.NoError(t, err)

	err = p.CheckUpload(&Upload{Filename: "proof.PNG", MIMEType: "IMAGE/PNG", SizeBytes: 1024})
	assert.NoError(t, err, "mime comparison is case-insensitive")

	err = p.CheckUpload(&Upload{Filename: "proof.exe", MIMEType: "application/octet-stream", SizeBytes: 10})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))

	err = p.CheckUpload(&Upload{Filename: "huge.pdf", MIMEType: "application/pdf", SizeBytes: 6 * 1024 * 1024})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))

	err = p.CheckUpload(nil)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAttachment))
}

func TestPolicyCheckAmount(t *testing.T) {
	p := DefaultPolicy()
	amount := int64(125000)
	zero := int64(0)
	negative := int64(-5)

	assert.NoError(t, p.CheckAmount(models.KindPayment, &amount))
	assert.NoError(t, p.CheckAmount(models.KindExemption, nil))

	assert.True(t, appErrors.Is(p.CheckAmount(models.KindPayment, nil), appErrors.ErrInvalidAmount))
	assert.True(t, appErrors.Is(p.CheckAmount(models.KindPayment, &zero), appErrors.ErrInvalidAmount))
	assert.True(t, appErrors.Is(p.CheckAmount(models.KindPayment, &negative), appErrors.ErrInvalidAmount))
}

func TestPolicyCheckReason(t *testing.T) {
	p := DefaultPolicy()

	_, err := p.CheckReason("")
	assert.True(t, appErrors.Is(err, appErrors.ErrReasonRequired))

	_, err = p.CheckReason("no")
	assert.True(t, appErrors.Is(err, appErrors.ErrReasonRequired))

	_, err = p.CheckReason("     x    ")
	assert.True(t, appErrors.Is(err, appErrors.ErrReasonRequired), "padding does not count")

	reason, err := p.CheckReason("  incomplete proof \n")
	require.NoError(t, err)
	assert.Equal(t, "incomplete proof", reason)
	assert.False(t, strings.HasSuffix(reason, " "))
}
