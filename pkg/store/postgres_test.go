package store_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/store"
)

func newPostgres(t *testing.T) (*store.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS commission_contracts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := store.NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

const (
	pgSelectForUpdate = `SELECT version FROM commission_contracts WHERE id = $1 FOR UPDATE`
	pgUpdateContract  = `UPDATE commission_contracts SET version = $1, status = $2, payload = $3, updated_at = $4 WHERE id = $5`
)

func TestPostgresSaveContract_LocksAndCommits(t *testing.T) {
	s, mock := newPostgres(t)

	c := testContract("contract-1")
	c.Version = 2
	c.Status = contracts.ContractDisputed

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgSelectForUpdate)).
		WithArgs("contract-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta(pgUpdateContract)).
		WithArgs(int64(2), string(contracts.ContractDisputed), sqlmock.AnyArg(), sqlmock.AnyArg(), "contract-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveContract(context.Background(), c, 1)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveContract_VersionConflict(t *testing.T) {
	s, mock := newPostgres(t)

	c := testContract("contract-1")
	c.Version = 2

	// Another process already bumped the row past our snapshot.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgSelectForUpdate)).
		WithArgs("contract-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := s.SaveContract(context.Background(), c, 1)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveContract_NotFound(t *testing.T) {
	s, mock := newPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(pgSelectForUpdate)).
		WithArgs("contract-9").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := s.SaveContract(context.Background(), testContract("contract-9"), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetContract_NotFound(t *testing.T) {
	s, mock := newPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM commission_contracts WHERE id = $1`)).
		WithArgs("contract-9").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := s.GetContract(context.Background(), "contract-9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
