// Package auth identifies the operator behind a mutating request. The
// identity is recorded as reviewer on decisions and as requester on rollbacks.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const DevReviewerHeader = "X-Reviewer"

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	HMACSecret    string
	PublicKeyFile string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// AllowDevReviewer trusts DevReviewerHeader. Never enable outside development.
	AllowDevReviewer bool
}

type verifyKey struct {
	key     interface{}
	methods []string
}

type Verifier struct {
	cfg  Config
	keys []verifyKey
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.HMACSecret != "" {
		v.keys = append(v.keys, verifyKey{key: []byte(cfg.HMACSecret), methods: []string{"HS256", "HS384", "HS512"}})
	}
	if cfg.PublicKeyFile != "" {
		if err := v.loadKeys(cfg.PublicKeyFile); err != nil {
			return nil, fmt.Errorf("load reviewer keys: %w", err)
		}
	}
	return v, nil
}

// loadKeys reads PEM public keys or certificates; other blocks are skipped.
func (v *Verifier) loadKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	found := 0
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		switch key.(type) {
		case *rsa.PublicKey:
			v.keys = append(v.keys, verifyKey{key: key, methods: []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}})
		case *ecdsa.PublicKey:
			v.keys = append(v.keys, verifyKey{key: key, methods: []string{"ES256", "ES384", "ES512"}})
		default:
			continue
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("no usable public keys in %s", path)
	}
	return nil
}

// Enabled reports whether any way of identifying a caller is configured.
func (v *Verifier) Enabled() bool {
	return len(v.keys) > 0 || v.cfg.AllowDevReviewer
}

// Identify returns the principal behind r.
func (v *Verifier) Identify(r *http.Request) (string, error) {
	if v.cfg.AllowDevReviewer {
		if name := strings.TrimSpace(r.Header.Get(DevReviewerHeader)); name != "" {
			return name, nil
		}
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}
	return v.verifyToken(strings.TrimPrefix(header, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (string, error) {
	if len(v.keys) == 0 {
		return "", fmt.Errorf("%w: no verification keys configured", ErrUnauthenticated)
	}
	var lastErr error
	for _, k := range v.keys {
		opts := []jwt.ParserOption{jwt.WithValidMethods(k.methods), jwt.WithExpirationRequired()}
		if v.cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
		}
		claims := jwt.MapClaims{}
		key := k.key
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, opts...)
		if err != nil || !token.Valid {
			lastErr = err
			continue
		}
		return principal(claims)
	}
	return "", fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

// principal prefers email over sub so review notes carry a readable name.
func principal(claims jwt.MapClaims) (string, error) {
	if email, ok := claims["email"].(string); ok && email != "" {
		return email, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return sub, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKey{}, name)
}

func PrincipalFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ctxKey{}).(string)
	return name, ok && name != ""
}

// Middleware rejects unidentified requests with 401 and stores the principal
// on the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, err := v.Identify(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="rollout"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), name)))
	})
}
