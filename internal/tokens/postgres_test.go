package tokens

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgresStore(db)
	s.clock = func() time.Time { return base.Add(time.Hour) }
	return s, mock
}

var (
	upsertSQL   = regexp.QuoteMeta(`INSERT INTO tokens (token_id, subject, token, token_type, revoked, expired, created_at, updated_at)`)
	lockSQL     = regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)
	revokeSub   = regexp.QuoteMeta(`WHERE subject = $1 AND token_id <> $2 AND revoked = false AND expired = false`)
	newestSQL   = regexp.QuoteMeta(`SELECT max(created_at)`)
	latestIDSQL = regexp.QuoteMeta(`SELECT token_id`)
	revokeByID  = regexp.QuoteMeta(`WHERE token_id = $1`)
	columns     = []string{"token_id", "subject", "token", "revoked", "expired", "created_at", "updated_at"}
)

func TestPostgresStore_SaveUpserts(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectExec(upsertSQL).
		WithArgs("a", "alice", "signed-a", false, false, base, base).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), rec("a", "alice", 0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateRunsInOneTransaction(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(newestSQL).WithArgs("alice", "a").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(revokeSub).WithArgs("alice", "a", base).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(upsertSQL).
		WithArgs("a", "alice", "signed-a", false, false, base, base).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Rotate(context.Background(), rec("a", "alice", 0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newPostgresStore(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(newestSQL).WithArgs("alice", "a").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(revokeSub).WithArgs("alice", "a", base).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertSQL).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.Rotate(context.Background(), rec("a", "alice", 0))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateSortsAfterNewerRecord(t *testing.T) {
	s, mock := newPostgresStore(t)
	newer := base.Add(time.Minute)
	bumped := newer.Add(time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(newestSQL).WithArgs("alice", "b").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(newer))
	mock.ExpectExec(revokeSub).WithArgs("alice", "b", bumped).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertSQL).
		WithArgs("b", "alice", "signed-b", false, false, bumped, bumped).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Rotate(context.Background(), rec("b", "alice", 0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateIfLatest(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestIDSQL).WithArgs("alice").WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow("a"))
	mock.ExpectQuery(newestSQL).WithArgs("alice", "a").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(revokeSub).WithArgs("alice", "a", base).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(upsertSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.RotateIfLatest(context.Background(), rec("a", "alice", 0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateIfLatestRollsBackWhenSuperseded(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestIDSQL).WithArgs("alice").WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow("b"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(lockSQL).WithArgs("nobody").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(latestIDSQL).WithArgs("nobody").WillReturnRows(sqlmock.NewRows([]string{"token_id"}))
	mock.ExpectRollback()

	assert.ErrorIs(t, s.RotateIfLatest(context.Background(), rec("a", "alice", 0)), ErrSuperseded)
	assert.ErrorIs(t, s.RotateIfLatest(context.Background(), rec("x", "nobody", 0)), ErrSuperseded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindValidBySubject(t *testing.T) {
	s, mock := newPostgresStore(t)

	rows := sqlmock.NewRows(columns).
		AddRow("a", "alice", "signed-a", false, false, base, base).
		AddRow("b", "alice", "signed-b", false, false, base.Add(time.Minute), base.Add(time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at`)).WithArgs("alice").WillReturnRows(rows)

	got, err := s.FindValidBySubject(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByTokenID(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectQuery(revokeByID).WithArgs("a").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("a", "alice", "signed-a", true, true, base, base))
	mock.ExpectQuery(revokeByID).WithArgs("missing").WillReturnRows(sqlmock.NewRows(columns))

	got, err := s.FindByTokenID(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, got.Dead())

	_, err = s.FindByTokenID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkRevokedBatch(t *testing.T) {
	s, mock := newPostgresStore(t)
	now := base.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(revokeByID).WithArgs("a", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(revokeByID).WithArgs("b", now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.MarkRevokedBatch(context.Background(), []string{"a", "b"}))
	require.NoError(t, s.MarkRevokedBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteFullyExpiredRevoked(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tokens WHERE revoked = true AND expired = true`)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteFullyExpiredRevoked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindLatestBySubject(t *testing.T) {
	s, mock := newPostgresStore(t)
	latestSQL := regexp.QuoteMeta(`ORDER BY created_at DESC`)

	mock.ExpectQuery(latestSQL).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("b", "alice", "signed-b", false, false, base, base))
	mock.ExpectQuery(latestSQL).WithArgs("nobody").WillReturnRows(sqlmock.NewRows(columns))

	got, err := s.FindLatestBySubject(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "b", got.TokenID)

	_, err = s.FindLatestBySubject(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
