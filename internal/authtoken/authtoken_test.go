package authtoken

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueAndVerifyRoundTrips(t *testing.T) {
	iss := NewIssuer("super-secret-owner-token")

	tok, err := iss.Issue("decide")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "decide", claims.Service)
}

func TestIssuer_VerifyRejectsForeignSecret(t *testing.T) {
	a := NewIssuer("secret-a")
	b := NewIssuer("secret-b")

	tok, err := a.Issue("decide")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	require.Error(t, err)
}

func TestEnrollAndValidateCode_RoundTrips(t *testing.T) {
	key, err := EnrollSecret("sigmapilot", "owner")
	require.NoError(t, err)

	code, err := currentCode(key.Secret())
	require.NoError(t, err)

	require.True(t, ValidateCode(key.Secret(), code))
	require.False(t, ValidateCode(key.Secret(), "000000"))
}
