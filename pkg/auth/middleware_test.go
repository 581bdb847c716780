package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/api"
	"github.com/Mindburn-Labs/helm-governor/pkg/auth"
)

func captureOperator(t *testing.T, got *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, _ = api.OperatorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequire_ValidToken(t *testing.T) {
	v := auth.NewJWTValidator("s3cret", "helm-governor")
	token, err := v.Issue("alice", time.Hour)
	require.NoError(t, err)

	var operator string
	h := auth.Require(v)(captureOperator(t, &operator))

	req := httptest.NewRequest(http.MethodPost, "/v1/kill", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", operator)
}

func TestRequire_Rejections(t *testing.T) {
	v := auth.NewJWTValidator("s3cret", "helm-governor")
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.OperatorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "alice", Issuer: "helm-governor", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	forged, err := auth.NewJWTValidator("other", "helm-governor").Issue("mallory", time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Issue("", time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"expired":        "Bearer " + expired,
		"wrong key":      "Bearer " + forged,
		"no subject":     "Bearer " + noSubject,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			var operator string
			h := auth.Require(v)(captureOperator(t, &operator))
			req := httptest.NewRequest(http.MethodPost, "/v1/kill", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.Empty(t, operator)
		})
	}
}

func TestRequire_DisabledPassesThrough(t *testing.T) {
	v := auth.NewJWTValidator("", "")
	require.Nil(t, v)

	var operator string
	h := auth.Require(v)(captureOperator(t, &operator))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/kill", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, operator)
}

func TestCorrelate(t *testing.T) {
	var seen string
	h := auth.Correlate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(auth.HeaderRequestID))
	parsed, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(auth.HeaderRequestID, "req-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", w.Header().Get(auth.HeaderRequestID))
}

func TestCorrelate_ReplacesUnsafeClientIDs(t *testing.T) {
	var seen string
	h := auth.Correlate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.RequestID(r.Context())
	}))

	for _, id := range []string{
		"evil\nlevel=ERROR msg=forged",
		"has space",
		strings.Repeat("a", 65),
	} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(auth.HeaderRequestID, id)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.NotEqual(t, id, seen)
		_, err := uuid.Parse(seen)
		assert.NoError(t, err, "replacement for %q", id)
	}
	assert.Empty(t, auth.RequestID(context.Background()))
}
