package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	token, err := Issue("s-ada", "STUDENT", "Ada", "classcast", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := Parse(token, "secret", "classcast")
	require.NoError(t, err)
	assert.Equal(t, "s-ada", claims.Subject)
	assert.Equal(t, "STUDENT", claims.Role)
	assert.Equal(t, "Ada", claims.Name)
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, err := Issue("s-ada", "STUDENT", "Ada", "classcast", "secret", time.Hour)
	require.NoError(t, err)

	_, err = Parse(token, "other-secret", "classcast")
	assert.Error(t, err)
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	token, err := Issue("s-ada", "STUDENT", "Ada", "someone-else", "secret", time.Hour)
	require.NoError(t, err)

	_, err = Parse(token, "secret", "classcast")
	assert.Error(t, err)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := Issue("s-ada", "STUDENT", "Ada", "classcast", "secret", -time.Minute)
	require.NoError(t, err)

	_, err = Parse(token, "secret", "classcast")
	assert.Error(t, err)
}
