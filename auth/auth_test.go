package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestVerifyToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, jwt.MapClaims{"sub": "alice", "email": "alice@example.com"})

	user, err := v.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "user:alice", user.ID)
	require.Equal(t, "alice@example.com", user.Email)
}

func TestVerifyTokenRejectsBadSignature(t *testing.T) {
	v := NewVerifier(testSecret)
	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = v.VerifyToken(other)
	require.Error(t, err)
}

func TestVerifyTokenRejectsMissingSubject(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, jwt.MapClaims{"email": "nobody@example.com"})

	_, err := v.VerifyToken(token)
	require.Error(t, err)
}

func TestVerifyTokenCaches(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now()
	v.now = func() time.Time { return now }

	token := signToken(t, jwt.MapClaims{"sub": "alice"})
	_, err := v.VerifyToken(token)
	require.NoError(t, err)
	require.Len(t, v.cache, 1)

	// A second call within the TTL hits the cache even if the secret would no
	// longer validate.
	v.secret = []byte("rotated")
	user, err := v.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "user:alice", user.ID)

	// Past the TTL, the token is re-verified and now fails.
	now = now.Add(cacheTTL + time.Second)
	_, err = v.VerifyToken(token)
	require.Error(t, err)
}

func TestLazyEviction(t *testing.T) {
	v := NewVerifier(testSecret)
	now := time.Now()
	v.now = func() time.Time { return now }

	for i := 0; i < cacheMaxEntries+1; i++ {
		v.cache[signToken(t, jwt.MapClaims{"sub": "u", "jti": time.Duration(i).String()})] = cachedUser{
			user:     User{ID: "user:u"},
			cachedAt: now,
		}
	}

	// All fresh: nothing evicted on the next store.
	fresh := signToken(t, jwt.MapClaims{"sub": "fresh"})
	_, err := v.VerifyToken(fresh)
	require.NoError(t, err)
	require.Greater(t, len(v.cache), cacheMaxEntries)

	// Age everything out; the next store past the bound sweeps them.
	now = now.Add(cacheTTL + time.Second)
	next := signToken(t, jwt.MapClaims{"sub": "next"})
	_, err = v.VerifyToken(next)
	require.NoError(t, err)
	require.LessOrEqual(t, len(v.cache), 2)
}

func TestNormalizeUserID(t *testing.T) {
	require.Equal(t, "user:alice", NormalizeUserID("alice"))
	require.Equal(t, "user:alice", NormalizeUserID("user:alice"))
	require.Equal(t, "user:alice", NormalizeUserID("⟨alice⟩"))
	require.Equal(t, "user:alice", NormalizeUserID("user:⟨alice⟩"))
	require.Equal(t, "user:alice", NormalizeUserID(" <alice> "))
}
