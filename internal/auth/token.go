package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a device token.
const DefaultTokenTTL = 2 * time.Minute

// ErrUnknownDevice is returned for a token whose subject has no key.
var ErrUnknownDevice = errors.New("unknown device")

// SignDeviceToken issues an HS256 token for device signed with its key.
func SignDeviceToken(device, key string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   device,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// VerifyDeviceToken checks a device token against the key of its subject and
// returns the device ID.
func VerifyDeviceToken(token string, k *Keyring) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil {
			return nil, err
		}
		key, ok := k.KeyForDevice(sub)
		if !ok {
			return nil, ErrUnknownDevice
		}
		return []byte(key), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
