package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-secret-key-with-enough-bytes")

func newTestValidator() *JWTValidator {
	return NewJWTValidatorWithKeyfunc(func(*jwt.Token) (interface{}, error) {
		return testKey, nil
	}, "https://issuer.example", "aitools-relay", "HS256")
}

func sign(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return tok
}

func validClaims() Claims {
	now := time.Now()
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "https://issuer.example",
		Audience:  jwt.ClaimStrings{"aitools-relay"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	v := newTestValidator()

	claims, err := v.Validate(sign(t, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", v.GetUserID(claims))

	tests := map[string]func(*Claims){
		"wrong audience": func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} },
		"wrong issuer":   func(c *Claims) { c.Issuer = "https://evil.example" },
		"expired":        func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) },
		"no expiry":      func(c *Claims) { c.ExpiresAt = nil },
	}
	for name, mutate := range tests {
		c := validClaims()
		mutate(&c)
		_, err := v.Validate(sign(t, c))
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}

	_, err = v.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAllowsTool(t *testing.T) {
	t.Parallel()
	assert.True(t, (&Claims{}).AllowsTool("claude"))
	assert.True(t, (&Claims{Tools: []string{"claude"}}).AllowsTool("claude"))
	assert.False(t, (&Claims{Tools: []string{"claude"}}).AllowsTool("gemini"))
	assert.True(t, (&Claims{Tools: []string{"*"}}).AllowsTool("gemini"))
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/v1/stream/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer  h ")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(newTestValidator(), nil, "/health")(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, validClaims()))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)
}

func TestMiddlewareDisabled(t *testing.T) {
	t.Parallel()
	called := false
	h := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, ClaimsFromContext(r.Context()))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	assert.True(t, called)
}
