package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coffer-vault/coffer/internal/keys"
)

// AccessClaims extends JWT registered claims with Coffer-specific fields.
//
// SecurityStamp is a snapshot of the account's stamp at issuance time;
// validation compares it against the account's current stamp, so a
// password or second-factor change invalidates every outstanding access
// token without a revocation list.
type AccessClaims struct {
	jwt.RegisteredClaims
	DeviceID      string `json:"device"`
	SecurityStamp string `json:"sstamp"`
}

// GenerateAccessToken creates a signed RS256 access token for an account
// and device session. Access tokens are short-lived; everything longer
// goes through refresh rotation.
func GenerateAccessToken(account *Account, sessionID string, km *keys.Manager, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		DeviceID:      sessionID,
		SecurityStamp: account.SecurityStamp,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(km.SigningKey())
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates signature and expiry and returns the claims.
// The security-stamp check needs the account row and is performed by the
// caller; this function alone never authorises anything.
func ParseAccessToken(tokenString string, km *keys.Manager) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(_ *jwt.Token) (any, error) {
		return km.VerifyKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device", ErrTokenInvalid)
	}

	return claims, nil
}

// GenerateRefreshToken creates a cryptographically random refresh token (256-bit).
// The raw token is returned to the client; only its hash is stored.
func GenerateRefreshToken() (raw string, err error) {
	b := make([]byte, 32) //nolint:mnd // 256-bit token
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
