package devtoken

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-agency/platform/go/auth"
)

const secret = "local-dev-secret-local-dev-secret"

func TestBuildPlatformToken(t *testing.T) {
	now := time.Now().UTC()

	token, err := Build(Params{Secret: secret, UserID: "admin-123", Email: "admin@example.com", Platform: true}, now)
	require.NoError(t, err)

	issuer := auth.NewIssuer(auth.IssuerConfig{Secret: []byte(secret)})
	claims, err := issuer.Verify(context.Background(), token)
	require.NoError(t, err)

	creds, err := auth.DefaultCredentialExtractor(claims)
	require.NoError(t, err)
	require.Equal(t, "admin-123", creds.Id)
	require.True(t, creds.IsPlatform())
}

func TestBuildTenantTokenRequiresDatabase(t *testing.T) {
	_, err := Build(Params{Secret: secret, UserID: "u", Email: "a@acme.test"}, time.Time{})
	require.Error(t, err)

	token, err := Build(Params{Secret: secret, UserID: "u", Email: "a@acme.test", DatabaseName: "tenant_acme", Roles: []string{"owner"}}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestBuildValidatesInput(t *testing.T) {
	_, err := Build(Params{Secret: "short", UserID: "u", Email: "e", Platform: true}, time.Time{})
	require.Error(t, err)
	_, err = Build(Params{Secret: secret, Email: "e", Platform: true}, time.Time{})
	require.Error(t, err)
	_, err = Build(Params{Secret: secret, UserID: "u", Platform: true}, time.Time{})
	require.Error(t, err)
}
