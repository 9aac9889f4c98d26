package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newGormMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := NewGormDB(sqlx.NewDb(db, "sqlmock"))
	require.NoError(t, err)
	return gdb, mock
}

func TestGormAccountRepo_GetAccount(t *testing.T) {
	gdb, mock := newGormMock(t)
	repo := NewGormAccountRepo(gdb)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT \* FROM "exchange_accounts" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "exchange_slug", "is_active", "is_blocked", "is_suspended", "block_reason", "blocked_at", "expires_at", "created_at", "updated_at"}).
			AddRow("acc-1", "u1", "main", "lnmarkets", true, false, false, "", nil, nil, now, now))
	mock.ExpectQuery(`SELECT \* FROM "exchanges" WHERE "exchanges"."slug" = \$1`).
		WithArgs("lnmarkets").
		WillReturnRows(sqlmock.NewRows([]string{"slug", "name", "is_active", "created_at", "updated_at"}).
			AddRow("lnmarkets", "LN Markets", true, now, now))

	acc, err := repo.GetAccount(context.Background(), "u1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", acc.OwnerID)
	assert.Equal(t, "LN Markets", acc.Exchange.Name)
	assert.True(t, acc.Exchange.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAccountRepo_GetAccountNotFound(t *testing.T) {
	gdb, mock := newGormMock(t)
	repo := NewGormAccountRepo(gdb)

	mock.ExpectQuery(`SELECT \* FROM "exchange_accounts" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetAccount(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestGormAccountRepo_BlockAccount(t *testing.T) {
	gdb, mock := newGormMock(t)
	repo := NewGormAccountRepo(gdb)

	mock.ExpectExec(`UPDATE "exchange_accounts" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.BlockAccount(context.Background(), "u1", "acc-1", "high risk detected"))

	mock.ExpectExec(`UPDATE "exchange_accounts" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.BlockAccount(context.Background(), "u1", "missing", "high risk detected")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAccountRepo_UpsertKeepsInactive(t *testing.T) {
	gdb, mock := newGormMock(t)
	repo := NewGormAccountRepo(gdb)

	mock.ExpectExec(`INSERT INTO "exchanges" .* ON CONFLICT \("slug"\) DO UPDATE`).
		WithArgs("bybit", "Bybit", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpsertExchange(context.Background(), model.ExchangeInfo{Slug: "bybit", Name: "Bybit", IsActive: false}))

	mock.ExpectExec(`INSERT INTO "exchange_accounts" .* ON CONFLICT \("id","user_id"\) DO UPDATE SET .*"is_active"="excluded"."is_active"`).
		WithArgs("acc-9", "u1", "old", "bybit", false, false, false, "", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpsertAccount(context.Background(), &model.Account{
		ID:       "acc-9",
		OwnerID:  "u1",
		Name:     "old",
		IsActive: false,
		Exchange: model.ExchangeInfo{Slug: "bybit"},
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormReportRepo_GetReportNotFound(t *testing.T) {
	gdb, mock := newGormMock(t)
	repo := NewGormReportRepo(gdb)

	mock.ExpectQuery(`SELECT \* FROM "security_reports" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	report, err := repo.GetReport(context.Background(), "u1", "acc-1")
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestRedisRateLimitStore_KeyRoundTrip(t *testing.T) {
	s := NewRedisRateLimitStore(nil, "", 0)
	key := s.redisKey(modelKey("user:1", "acc/2"))
	assert.Equal(t, "accountgate:rl:user%3A1:acc%2F2", key)

	parsed, ok := s.parseKey(key)
	require.True(t, ok)
	assert.Equal(t, "user:1", parsed.UserID)
	assert.Equal(t, "acc/2", parsed.AccountID)

	_, ok = s.parseKey("accountgate:rl:only")
	assert.False(t, ok)
}
