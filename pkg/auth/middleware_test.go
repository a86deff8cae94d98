package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func newValidator(t *testing.T) *auth.Validator {
	t.Helper()
	v, err := auth.NewValidator([]byte(secret), "ledger")
	require.NoError(t, err)
	return v
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewValidator_RequiresSecret(t *testing.T) {
	_, err := auth.NewValidator(nil, "")
	require.ErrorIs(t, err, auth.ErrNoSecret)
	_, err = auth.NewValidator([]byte("short"), "")
	require.Error(t, err)
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := newValidator(t)
	var got *auth.Principal
	h := auth.NewMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		require.NoError(t, err)
		got = p
	}))

	tok, err := v.Issue("user-123", "acme", []string{"operator"}, time.Hour, time.Now())
	require.NoError(t, err)
	w := serve(h, "Bearer "+tok)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-123", got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, got.HasRole("operator"))
}

func TestMiddleware_Rejections(t *testing.T) {
	v := newValidator(t)
	other, err := auth.NewValidator([]byte("fedcba9876543210fedcba9876543210"), "ledger")
	require.NoError(t, err)

	expired, err := v.Issue("u", "acme", nil, -time.Minute, time.Now())
	require.NoError(t, err)
	foreign, err := other.Issue("u", "acme", nil, time.Hour, time.Now())
	require.NoError(t, err)
	noTenant, err := v.Issue("u", "", nil, time.Hour, time.Now())
	require.NoError(t, err)
	noSubject, err := v.Issue("", "acme", nil, time.Hour, time.Now())
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "ledger", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "acme",
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic dXNlcjpwYXNz",
		"expired":        "Bearer " + expired,
		"bad signature":  "Bearer " + foreign,
		"no tenant":      "Bearer " + noTenant,
		"no subject":     "Bearer " + noSubject,
		"alg none":       "Bearer " + unsigned,
		"garbage":        "Bearer not.a.jwt",
	}
	h := auth.NewMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached")
	}))
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			w := serve(h, header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestMiddleware_NilValidatorFailsClosed(t *testing.T) {
	h := auth.NewMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached")
	}))
	w := serve(h, "Bearer anything")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_PublicPath(t *testing.T) {
	called := false
	h := auth.NewMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
}

func TestCallerFromRequest(t *testing.T) {
	var got struct {
		tenant, actor, corr, key string
		test                     bool
	}
	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{ID: "svc-erp", TenantID: "acme"}))
		c, err := auth.CallerFromRequest(r)
		require.NoError(t, err)
		got.tenant, got.actor, got.corr, got.key, got.test = c.TenantID, c.ActorID, c.CorrelationID, c.IdempotencyKey, c.IsTestRequest
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/records", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("Idempotency-Key", "k-1")
	req.Header.Set("X-Test-Request", "true")
	req.Header.Set("X-Tenant-ID", "globex")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "acme", got.tenant)
	assert.Equal(t, "svc-erp", got.actor)
	assert.Equal(t, "req-42", got.corr)
	assert.Equal(t, "k-1", got.key)
	assert.True(t, got.test)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestCallerFromRequest_Unauthenticated(t *testing.T) {
	_, err := auth.CallerFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)
}

func TestRequestID_GeneratedWhenAbsent(t *testing.T) {
	var seen string
	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}
