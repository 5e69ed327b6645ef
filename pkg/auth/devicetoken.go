// Package auth provides device token utilities
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DeviceTokenPrefix marks device-bound tokens so they are recognisable in logs and headers
const DeviceTokenPrefix = "drdt"

var deviceTokenPattern = regexp.MustCompile(`^drdt_[a-z0-9]{4}_[a-f0-9]{48}$`)

// GenerateDeviceToken generates a device token with 192 bits of entropy.
// Format: drdt_{4-char device hint}_{48-char hex}
func GenerateDeviceToken(deviceHint string) (string, error) {
	randomBytes := make([]byte, 24)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", DeviceTokenPrefix, normalizeHint(deviceHint), hex.EncodeToString(randomBytes)), nil
}

// ValidateDeviceTokenFormat reports whether token has the device token shape.
// It is a cheap pre-check before any lookup.
func ValidateDeviceTokenFormat(token string) bool {
	return deviceTokenPattern.MatchString(token)
}

// HashDeviceToken hashes a device token for storage and lookup
func HashDeviceToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func normalizeHint(hint string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(hint) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 4 {
			break
		}
	}
	for b.Len() < 4 {
		b.WriteByte('x')
	}
	return b.String()
}
