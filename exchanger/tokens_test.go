package exchanger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lucianoaf8/lucaverse-auth/exchanger"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner(t *testing.T) {
	signer, err := exchanger.NewTokenSigner([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	issued := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := signer.Issue("sid-1", "user-1", issued, issued.Add(time.Hour))
	require.NoError(t, err)

	// long expired tokens still parse; expiry belongs to the session record
	claims, err := signer.Parse(token, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.NotEmpty(t, claims.ID)

	_, err = signer.Parse(token, "sid-2")
	require.ErrorIs(t, err, apperrors.ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sid": "sid-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = signer.Parse(unsigned, "sid-1")
	require.ErrorIs(t, err, apperrors.ErrInvalidToken)

	_, err = exchanger.NewTokenSigner([]byte("short"))
	require.Error(t, err)
}
