package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSlice(t *testing.T) {
	t.Setenv("ENV_TEST_SLICE", " stun:a:3478, ,stun:b:19302 ")
	assert.Equal(t, []string{"stun:a:3478", "stun:b:19302"}, GetSlice("ENV_TEST_SLICE", nil))

	t.Setenv("ENV_TEST_SLICE", " , ")
	assert.Equal(t, []string{"x"}, GetSlice("ENV_TEST_SLICE", []string{"x"}))
}

func TestGetDuration(t *testing.T) {
	t.Setenv("ENV_TEST_DURATION", "45s")
	assert.Equal(t, 45*time.Second, GetDuration("ENV_TEST_DURATION", time.Second))

	t.Setenv("ENV_TEST_DURATION", "soon")
	assert.Equal(t, time.Second, GetDuration("ENV_TEST_DURATION", time.Second))
}

func TestGetStringFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("s3cr3t\n"), 0o600))

	t.Setenv("ENV_TEST_SECRET_FILE", path)
	assert.Equal(t, "s3cr3t", GetStringFromFile("ENV_TEST_SECRET", "fallback"))

	t.Setenv("ENV_TEST_SECRET_FILE", filepath.Join(t.TempDir(), "missing"))
	t.Setenv("ENV_TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("ENV_TEST_SECRET", "fallback"))
}
