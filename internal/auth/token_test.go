package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueAndValidate(t *testing.T) {
	iss, err := NewIssuer("test-secret-key-12345")
	require.NoError(t, err)

	token, err := iss.Issue(Claims{ClientType: "remoteExitNode", ClientID: "node-a", ExitNodeID: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := iss.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "remoteExitNode", claims.ClientType)
	assert.Equal(t, "node-a", claims.ClientID)
	assert.Equal(t, 4, claims.ExitNodeID)
	assert.Equal(t, "exitplane", claims.Issuer)
	assert.Equal(t, "remoteExitNode:node-a", claims.Subject)
}

func TestIssuer_ValidateInvalidSignature(t *testing.T) {
	iss1, err := NewIssuer("secret-key-1")
	require.NoError(t, err)
	iss2, err := NewIssuer("secret-key-2")
	require.NoError(t, err)

	token, err := iss1.Issue(Claims{ClientType: "newt", ClientID: "n1"})
	require.NoError(t, err)

	_, err = iss2.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_ValidateInvalidToken(t *testing.T) {
	iss, err := NewIssuer("secret")
	require.NoError(t, err)

	_, err = iss.Validate("invalid-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.Validate("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_ValidateExpired(t *testing.T) {
	iss, err := NewIssuer("secret")
	require.NoError(t, err)

	issued := time.Now().Add(-48 * time.Hour)
	iss.now = func() time.Time { return issued }
	token, err := iss.Issue(Claims{ClientType: "newt", ClientID: "n1"})
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuer_EmptySecret(t *testing.T) {
	_, err := NewIssuer("")
	assert.Error(t, err)
}

func TestHashAndCheckSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.NoError(t, CheckSecret(hash, "s3cret"))
	assert.ErrorIs(t, CheckSecret(hash, "wrong"), ErrInvalidSecret)
}
