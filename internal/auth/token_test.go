package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := Config{Secret: "test-secret", Duration: time.Hour}

	token, err := GenerateToken(cfg, "user-1", "alice", "operator")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(cfg.Secret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "operator", claims.Role)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	cfg := Config{Secret: "test-secret", Duration: time.Hour}

	token, err := GenerateToken(cfg, "user-1", "alice", "operator")
	require.NoError(t, err)

	_, err = ValidateToken("other-secret", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	cfg := Config{Secret: "test-secret", Duration: time.Millisecond}

	token, err := GenerateToken(cfg, "user-1", "alice", "operator")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = ValidateToken(cfg.Secret, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenGarbage(t *testing.T) {
	_, err := ValidateToken("test-secret", "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
