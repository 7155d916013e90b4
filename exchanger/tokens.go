package exchanger

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/pkg/errors"
)

// SessionClaims are carried by the bearer token handed to the browser.
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenSigner issues and checks HS256 session tokens.
type TokenSigner struct {
	key    []byte
	parser *jwt.Parser
}

func NewTokenSigner(key []byte) (*TokenSigner, error) {
	if len(key) < 32 {
		return nil, errors.New("[NewTokenSigner] signing key must be at least 32 bytes")
	}
	return &TokenSigner{
		key: key,
		// expiry is enforced against the session record, not the token
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation()),
	}, nil
}

func (s *TokenSigner) Issue(sessionID, subject string, issuedAt, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", errors.Wrap(err, "[TokenSigner.Issue]")
	}
	return signed, nil
}

// Parse checks the signature and that the token belongs to sessionID.
func (s *TokenSigner) Parse(raw, sessionID string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrInvalidToken, err.Error())
	}
	if claims.SessionID == "" || claims.SessionID != sessionID {
		return nil, errors.Wrap(apperrors.ErrInvalidToken, "session mismatch")
	}
	return claims, nil
}
