package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(42, "secret", time.Hour)
	require.NoError(t, err)

	uid, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	assert.EqualValues(t, 42, uid)
}

func TestParseRejectsWrongSecretAndExpired(t *testing.T) {
	tok, err := SignJWT(1, "secret", time.Hour)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "other")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := SignJWT(1, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
