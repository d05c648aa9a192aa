package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement/storetest"
)

const dsnEnv = "ENTITLEMENT_TEST_POSTGRES_DSN"

func testDSN(t *testing.T) string {
	t.Helper()
	_ = godotenv.Load("../../../.env.test")
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	return dsn
}

func TestStoreContract(t *testing.T) {
	dsn := testDSN(t)
	// one prefix per run keeps runs against a shared database isolated
	prefix := "t_" + uuid.NewString()[:8]

	storetest.Run(t, func(t *testing.T) entitlement.Store {
		s, err := Open(context.Background(), dsn, WithTablePrefix(prefix))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	})
}

func TestNew_RejectsUnsafePrefix(t *testing.T) {
	_, err := New(context.Background(), nil, WithTablePrefix("licenses; DROP TABLE x"))
	assert.ErrorContains(t, err, "invalid table prefix")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.False(t, isUniqueViolation(nil))
}

func TestFeaturesNeverNil(t *testing.T) {
	assert.NotNil(t, features(nil))
	assert.Equal(t, []string{"a"}, features([]string{"a"}))
}
