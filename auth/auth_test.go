package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerifyValidToken(t *testing.T) {
	v := New("segredo")
	tok := signToken(t, "segredo", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %q", claims.Subject)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := New("segredo")
	tok := signToken(t, "outro-segredo", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error")
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := New("segredo")
	tok := signToken(t, "segredo", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error")
	}
}

func TestVerifyRejectsNonHMAC(t *testing.T) {
	v := New("segredo")
	// alg:none tokens must never pass.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{})
	tok, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisabledVerifierPassesAll(t *testing.T) {
	v := New("")
	if v.Enabled() {
		t.Fatal("verifier should be disabled")
	}

	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks", nil))
	if !called || rec.Code != http.StatusOK {
		t.Errorf("called = %v, code = %d", called, rec.Code)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	v := New("segredo")
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without token")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/tasks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestMiddlewareAuthorizationHeader(t *testing.T) {
	v := New("segredo")
	tok := signToken(t, "segredo", jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	var gotSubject string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFrom(r.Context()); ok {
			gotSubject = claims.Subject
		}
	}))

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if gotSubject != "user-1" {
		t.Errorf("subject = %q", gotSubject)
	}
}

func TestMiddlewareQueryParamToken(t *testing.T) {
	v := New("segredo")
	tok := signToken(t, "segredo", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	called := false
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?token="+tok, nil))
	if !called || rec.Code != http.StatusOK {
		t.Errorf("called = %v, code = %d", called, rec.Code)
	}
}
