package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	cacheTTL = 5 * time.Minute

	// Lazy eviction kicks in once the cache grows past this many entries.
	cacheMaxEntries = 100
)

// User is the verified identity attached to authenticated requests.
type User struct {
	ID    string
	Email string
}

type cachedUser struct {
	user     User
	cachedAt time.Time
}

// Verifier validates bearer tokens and resolves them to users. Verified
// tokens are cached for five minutes so the hot SSE reconnect path does not
// re-parse on every request.
type Verifier struct {
	secret []byte

	mu    sync.Mutex
	cache map[string]cachedUser
	now   func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		cache:  map[string]cachedUser{},
		now:    time.Now,
	}
}

// VerifyToken resolves a bearer token to its user, from cache when fresh.
func (v *Verifier) VerifyToken(token string) (User, error) {
	v.mu.Lock()
	if entry, ok := v.cache[token]; ok && v.now().Sub(entry.cachedAt) < cacheTTL {
		v.mu.Unlock()
		return entry.user, nil
	}
	v.mu.Unlock()

	user, err := v.parse(token)
	if err != nil {
		return User{}, err
	}

	v.mu.Lock()
	if len(v.cache) > cacheMaxEntries {
		v.evictExpiredLocked()
	}
	v.cache[token] = cachedUser{user: user, cachedAt: v.now()}
	v.mu.Unlock()
	return user, nil
}

func (v *Verifier) parse(token string) (User, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("error parsing token: %w", err)
	}
	if !parsed.Valid {
		return User{}, fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return User{}, fmt.Errorf("token has no subject")
	}
	email, _ := claims["email"].(string)
	return User{ID: NormalizeUserID(sub), Email: email}, nil
}

// evictExpiredLocked drops entries past their TTL. Called with the lock held,
// only when the cache has outgrown its soft bound.
func (v *Verifier) evictExpiredLocked() {
	cutoff := v.now().Add(-cacheTTL)
	for token, entry := range v.cache {
		if entry.cachedAt.Before(cutoff) {
			delete(v.cache, token)
		}
	}
}

// Typographic brackets some identity providers wrap the subject in.
var bracketReplacer = strings.NewReplacer(
	"⟨", "", "⟩", "",
	"‹", "", "›", "",
	"<", "", ">", "",
)

// NormalizeUserID strips typographic brackets and ensures the record-id
// prefix, so "⟨alice⟩" and "user:alice" address the same record.
func NormalizeUserID(id string) string {
	id = strings.TrimSpace(bracketReplacer.Replace(id))
	id = strings.TrimPrefix(id, "user:")
	return "user:" + id
}
