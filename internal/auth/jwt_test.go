package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewJWTService("secret", time.Hour)
	tok, err := s.Issue(models.Actor{UserID: "owner-1", Role: models.RoleOwner})
	require.NoError(t, err)

	actor, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{UserID: "owner-1", Role: models.RoleOwner}, actor)
}

func TestVerifyRejects(t *testing.T) {
	s := NewJWTService("secret", time.Hour)
	other := NewJWTService("other", time.Hour)
	tok, err := other.Issue(models.Actor{UserID: "u", Role: models.RoleDriver})
	require.NoError(t, err)
	_, err = s.Verify(tok)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.Code(err))

	expired := NewJWTService("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err = expired.Issue(models.Actor{UserID: "u", Role: models.RoleDriver})
	require.NoError(t, err)
	_, err = s.Verify(tok)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.Code(err))

	tok, err = s.Issue(models.Actor{UserID: "u", Role: "PASSENGER"})
	require.NoError(t, err)
	_, err = s.Verify(tok)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.Code(err))

	_, err = s.Verify("not-a-token")
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.Code(err))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)
	_, ok = BearerToken("Basic xyz")
	assert.False(t, ok)
	_, ok = BearerToken("")
	assert.False(t, ok)
}
