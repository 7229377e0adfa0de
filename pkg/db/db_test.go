package db

import (
	"errors"
	"fmt"
	"testing"

	"consignment-ledger/pkg/config"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDialect(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Type = "postgres"
	cfg.Database.Host = "db"
	cfg.Database.Port = "5432"
	cfg.Database.DBNAME = "ledger"

	d, err := Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "postgres", d.Name())
	require.Equal(t, "ledger", getDBNameFromDialector(d))

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.Equal(t, "ledger", getDBNameFromDialector(d))

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}

func TestIsDuplicateKey(t *testing.T) {
	require.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	require.True(t, IsDuplicateKey(errors.New("UNIQUE constraint failed: ledger_entries.flow_no")))
	require.False(t, IsDuplicateKey(gorm.ErrRecordNotFound))
}

func TestIsLockFailure(t *testing.T) {
	require.True(t, IsLockFailure(&pgconn.PgError{Code: "55P03"}))
	require.True(t, IsLockFailure(fmt.Errorf("lock: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, IsLockFailure(&pgconn.PgError{Code: "23505"}))
	require.True(t, IsLockFailure(&mysql.MySQLError{Number: 1205}))
	require.True(t, IsLockFailure(errors.New("database is locked")))
	require.False(t, IsLockFailure(nil))
}
