package database

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN_ForcesParseTimeUTC(t *testing.T) {
	out, err := normalizeDSN("hair:secret@tcp(db:3306)/hairsim?loc=Local")
	require.NoError(t, err)

	parsed, err := mysql.ParseDSN(out)
	require.NoError(t, err)
	assert.True(t, parsed.ParseTime)
	assert.Equal(t, "UTC", parsed.Loc.String())
	assert.Equal(t, "hairsim", parsed.DBName)
	assert.Equal(t, "db:3306", parsed.Addr)
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := normalizeDSN("not a dsn")
	assert.Error(t, err)
}
