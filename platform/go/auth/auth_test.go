package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssuerRoundTrip(t *testing.T) {
	t.Parallel()

	issuer := NewIssuer(IssuerConfig{Secret: testSecret, TTL: 10 * time.Minute})
	now := time.Now()

	token, expiresAt, err := issuer.Issue(Session{
		UserID:       "user-1",
		Email:        "a@acme.test",
		Scope:        ScopeTenant,
		TenantID:     "tenant-1",
		DatabaseName: "tenant_acme",
		Roles:        []string{"owner"},
	}, now)
	require.NoError(t, err)
	require.WithinDuration(t, now.Add(10*time.Minute), expiresAt, time.Second)

	claims, err := issuer.Verify(context.Background(), token)
	require.NoError(t, err)

	creds, err := DefaultCredentialExtractor(claims)
	require.NoError(t, err)
	require.Equal(t, "user-1", creds.Id)
	require.Equal(t, ScopeTenant, creds.Scope)
	require.Equal(t, "tenant_acme", *creds.DatabaseName)
	require.Equal(t, []string{"owner"}, creds.Roles)
	require.False(t, creds.IsPlatform())
}

func TestIssuerRejectsTamperedAndExpiredTokens(t *testing.T) {
	t.Parallel()

	issuer := NewIssuer(IssuerConfig{Secret: testSecret, TTL: time.Minute})
	other := NewIssuer(IssuerConfig{Secret: []byte("ffffffffffffffffffffffffffffffff")})

	foreign, _, err := other.Issue(Session{UserID: "u", Scope: ScopePlatform}, time.Now())
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), foreign)
	require.Error(t, err)

	expired, _, err := issuer.Issue(Session{UserID: "u", Scope: ScopePlatform}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u", "iss": "palmyra-agency"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), raw)
	require.Error(t, err)
}

func TestDefaultCredentialExtractor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		claims  map[string]interface{}
		wantErr bool
	}{
		{name: "platform", claims: map[string]interface{}{"sub": "u1", "scope": "platform", "roles": []interface{}{"super_admin"}}},
		{name: "tenant", claims: map[string]interface{}{"sub": "u1", "scope": "tenant", "db": "tenant_acme"}},
		{name: "tenant without database", claims: map[string]interface{}{"sub": "u1", "scope": "tenant"}, wantErr: true},
		{name: "missing subject", claims: map[string]interface{}{"scope": "platform"}, wantErr: true},
		{name: "unknown scope", claims: map[string]interface{}{"sub": "u1", "scope": "root"}, wantErr: true},
		{name: "nil", claims: nil, wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DefaultCredentialExtractor(tc.claims)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJWTMiddlewareAndRequirePlatform(t *testing.T) {
	t.Parallel()

	issuer := NewIssuer(IssuerConfig{Secret: testSecret})
	handler := JWT(issuer.VerifyFunc(), nil)(RequirePlatform()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, ok := UserFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(creds.Id))
	})))

	platformToken, _, err := issuer.Issue(Session{UserID: "ops-1", Scope: ScopePlatform, Roles: []string{RoleSuperAdmin}}, time.Now())
	require.NoError(t, err)
	tenantToken, _, err := issuer.Issue(Session{UserID: "u-1", Scope: ScopeTenant, DatabaseName: "tenant_acme", Roles: []string{"owner"}}, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "no token", header: "", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
		{name: "tenant identity", header: "Bearer " + tenantToken, status: http.StatusForbidden},
		{name: "platform identity", header: "bearer " + platformToken, status: http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/provisioning-jobs/x/cancel", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, tt.status, rec.Code, tt.name)
	}
}
