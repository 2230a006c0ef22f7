package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// deviceCtxKey is the Gin context key used to store the authenticated device ID.
const deviceCtxKey = "device_id"

const (
	APIKeyHeader        = "X-API-Key"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer"
)

// Keyring maps shared device secrets to device IDs.
type Keyring struct {
	byKey    map[string]string
	byDevice map[string]string
}

// NewKeyring builds a keyring from key -> device pairs.
func NewKeyring(keys map[string]string) *Keyring {
	k := &Keyring{byKey: map[string]string{}, byDevice: map[string]string{}}
	for key, device := range keys {
		k.byKey[key] = device
		k.byDevice[device] = key
	}
	return k
}

// DeviceForKey returns the device owning key.
func (k *Keyring) DeviceForKey(key string) (string, bool) {
	for candidate, device := range k.byKey {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return device, true
		}
	}
	return "", false
}

// KeyForDevice returns the secret of device.
func (k *Keyring) KeyForDevice(device string) (string, bool) {
	key, ok := k.byDevice[device]
	return key, ok
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}

// DeviceMiddleware authenticates a device by X-API-Key or by a bearer token
// signed with the device key. The handler chain is aborted with 401 before
// any side effect when neither is valid.
func DeviceMiddleware(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(authorizationHeader); raw != "" {
			parts := strings.SplitN(raw, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], bearerPrefix) {
				unauthorized(c, "invalid authorization header")
				return
			}
			device, err := VerifyDeviceToken(strings.TrimSpace(parts[1]), k)
			if err != nil {
				unauthorized(c, "invalid token")
				return
			}
			c.Set(deviceCtxKey, device)
			c.Next()
			return
		}

		apiKey := strings.TrimSpace(c.GetHeader(APIKeyHeader))
		device, ok := k.DeviceForKey(apiKey)
		if apiKey == "" || !ok {
			unauthorized(c, "unauthorized")
			return
		}
		c.Set(deviceCtxKey, device)
		c.Next()
	}
}

// DeviceID returns the authenticated device ID from the request context.
func DeviceID(c *gin.Context) string {
	v, _ := c.Get(deviceCtxKey)
	s, _ := v.(string)
	return s
}
