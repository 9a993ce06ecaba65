package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/auth"
)

const secret = "review-signing-secret"

func hmacToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/strategy-updates/x/review", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestIdentifyHMAC(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{HMACSecret: secret, Issuer: "memorymonster-admin"})
	require.NoError(t, err)

	name, err := v.Identify(bearer(hmacToken(t, jwt.MapClaims{
		"iss":   "memorymonster-admin",
		"sub":   "user-42",
		"email": "ops@memorymonster.app",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})))
	require.NoError(t, err)
	assert.Equal(t, "ops@memorymonster.app", name)

	_, err = v.Identify(bearer(hmacToken(t, jwt.MapClaims{
		"iss": "someone-else",
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = v.Identify(bearer(hmacToken(t, jwt.MapClaims{
		"iss": "memorymonster-admin",
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = v.Identify(bearer(hmacToken(t, jwt.MapClaims{"iss": "memorymonster-admin", "sub": "user-42"})))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestIdentifyRSAPublicKeyFile(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "reviewers.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	v, err := auth.NewVerifier(auth.Config{PublicKeyFile: path})
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "release-manager",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)
	name, err := v.Identify(bearer(token))
	require.NoError(t, err)
	assert.Equal(t, "release-manager", name)

	// An HMAC token must not verify against an RSA key.
	_, err = v.Identify(bearer(hmacToken(t, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()})))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestNewVerifierRejectsEmptyKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := auth.NewVerifier(auth.Config{PublicKeyFile: path})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := auth.NewVerifier(auth.Config{HMACSecret: secret, AllowDevReviewer: true})
	require.NoError(t, err)

	var seen string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rollback", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/rollback", nil)
	req.Header.Set(auth.DevReviewerHeader, "local-dev")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "local-dev", seen)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bearer(hmacToken(t, jwt.MapClaims{"sub": "user-7", "exp": time.Now().Add(time.Hour).Unix()})))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-7", seen)
}
