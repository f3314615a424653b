package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/requesttrace"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestRequestTraceWithAuth(t *testing.T) {
	issuer := platformauth.NewIssuer(platformauth.IssuerConfig{Secret: testSecret})
	token, _, err := issuer.Issue(platformauth.Session{
		UserID:       "user-123",
		Email:        "owner@acme.test",
		Scope:        platformauth.ScopeTenant,
		TenantID:     "tenant-1",
		DatabaseName: "tenant_acme",
	}, time.Now())
	require.NoError(t, err)

	var got requesttrace.AuditInfo
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(platformauth.JWT(issuer.VerifyFunc(), nil))
	r.Use(RequestTrace)
	r.Get("/test", func(w http.ResponseWriter, req *http.Request) {
		got, _ = requesttrace.FromContext(req.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, requesttrace.ActorKindUser, got.ActorKind)
	require.NotNil(t, got.UserID)
	require.Equal(t, "user-123", *got.UserID)
	require.NotNil(t, got.TenantID)
	require.Equal(t, "tenant-1", *got.TenantID)
	require.NotEmpty(t, got.RequestID)
}

func TestRequestTraceAnonymous(t *testing.T) {
	var got requesttrace.AuditInfo
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestTrace)
	r.Get("/test", func(w http.ResponseWriter, req *http.Request) {
		got, _ = requesttrace.FromContext(req.Context())
		w.WriteHeader(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/test", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, requesttrace.ActorKindAnonymous, got.ActorKind)
	require.Nil(t, got.UserID)
	require.Equal(t, "", requesttrace.UserContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestDefaultCORSPreflight(t *testing.T) {
	called := false
	h := DefaultCORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/api/v1/signup", nil))

	require.Equal(t, http.StatusNoContent, resp.Code)
	require.False(t, called)
	require.Contains(t, resp.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}
