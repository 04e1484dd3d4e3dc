package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "secureconnect-api"

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, 15*time.Minute)

	assert.NotNil(t, manager)
	assert.Equal(t, "test-secret", manager.secretKey)
	assert.Equal(t, testAudience, manager.audience)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, 15*time.Minute)

	token, err := manager.GenerateAccessToken("user-42", "bob", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, "bob", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "secureconnect-auth", claims.Issuer)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, time.Nanosecond)

	token, err := manager.GenerateAccessToken("user-42", "bob", "user")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, 15*time.Minute)

	claims, err := manager.ValidateToken("invalid.token.here")
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-1", testAudience, 15*time.Minute).GenerateAccessToken("user-42", "bob", "user")
	require.NoError(t, err)

	claims, err := NewJWTManager("secret-2", testAudience, 15*time.Minute).ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	token, err := NewJWTManager("test-secret", "other-api", 15*time.Minute).GenerateAccessToken("user-42", "bob", "user")
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", testAudience, 15*time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_MissingUserID(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, 15*time.Minute)
	token, err := manager.GenerateAccessToken("", "bob", "user")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestExtractUserID(t *testing.T) {
	manager := NewJWTManager("test-secret", testAudience, 15*time.Minute)
	token, err := manager.GenerateAccessToken("user-42", "bob", "user")
	require.NoError(t, err)

	id, err := ExtractUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}
