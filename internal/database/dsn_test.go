package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User:     "pulse",
		Password: "secret",
		Name:     "pulse",
		Host:     "db.internal",
		Port:     5433,
	})
	require.NoError(t, err)
	require.Equal(t, "host=db.internal port=5433 user=pulse dbname=pulse password=secret sslmode=disable", dsn)

	_, err = buildPostgresDSN(Config{Name: "pulse"})
	require.Error(t, err)

	override, err := buildPostgresDSN(Config{DSN: "postgres://x"})
	require.NoError(t, err)
	require.Equal(t, "postgres://x", override)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{
		User:     "pulse",
		Password: "secret",
		Name:     "pulse",
	})
	require.NoError(t, err)
	require.Equal(t, "pulse:secret@tcp(127.0.0.1:3306)/pulse?charset=utf8mb4&loc=Local&parseTime=True", dsn)

	_, err = buildMySQLDSN(Config{User: "pulse"})
	require.Error(t, err)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}
