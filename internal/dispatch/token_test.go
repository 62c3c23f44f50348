package dispatch

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMintAndParseRoundTrip(t *testing.T) {
	s := NewTokenSigner("shared-secret")
	token, err := s.Mint("run-1", "bearer-xyz")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "run-1", claims.RunID)
	require.Equal(t, "bearer-xyz", claims.Auth)
	require.WithinDuration(t, time.Now().Add(waitTokenTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	minted := NewTokenSigner("secret-a")
	token, err := minted.Mint("run-2", "bearer")
	require.NoError(t, err)

	verifier := NewTokenSigner("secret-b")
	_, err = verifier.Parse(token)
	require.Error(t, err)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	s := NewTokenSigner("shared-secret")
	claims := WaitTokenClaims{
		RunID: "run-3",
		Auth:  "bearer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	require.NoError(t, err)

	_, err = s.Parse(signed)
	require.Error(t, err)
}

func TestMintFailsWithoutSecret(t *testing.T) {
	s := NewTokenSigner("")
	_, err := s.Mint("run-4", "bearer")
	require.Error(t, err)
}
