package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/langcenter/enrollment-api/internal/models"
)

func cycleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "code", "language", "level", "modality", "shift", "capacity_total", "days",
		"start_time", "end_time", "enroll_start", "enroll_end", "course_start", "course_end",
		"room", "teacher_id", "created_at",
	}).AddRow(
		int64(7), "EN-B1-2026A", "english", "B1", "in_person", "morning", 25, "{MON,WED}",
		"08:00", "10:00", time.Now(), time.Now().Add(14*24*time.Hour), time.Now(), time.Now(),
		nil, nil, time.Now(),
	)
}

func TestCycleRepositoryWithLockCommits(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCycleRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM cycles WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(cycleRows())
	mock.ExpectCommit()

	var locked *models.Cycle
	err := repo.WithLock(context.Background(), 7, func(tx *sqlx.Tx, cycle *models.Cycle) error {
		locked = cycle
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), locked.ID)
	require.Equal(t, 25, locked.Seats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycleRepositoryWithLockRollsBackOnCallbackError(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCycleRepository(db)

	boom := errors.New("no seats")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM cycles WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(cycleRows())
	mock.ExpectRollback()

	err := repo.WithLock(context.Background(), 7, func(tx *sqlx.Tx, cycle *models.Cycle) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCycleRepositoryWithLockQueriesRunInTx(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	cycles := NewCycleRepository(db)
	enrollments := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM cycles WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(cycleRows())
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM enrollment_requests").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(24))
	mock.ExpectCommit()

	err := cycles.WithLock(context.Background(), 7, func(tx *sqlx.Tx, cycle *models.Cycle) error {
		occupied, err := enrollments.CountHolding(context.Background(), tx, cycle.ID)
		if err != nil {
			return err
		}
		require.Equal(t, 24, occupied)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
