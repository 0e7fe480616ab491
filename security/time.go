package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period applied to expiry
// checks. It absorbs NTP drift between the issuing and verifying hosts; a
// token may be honored up to this long past its nominal expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredWithGrace checks expiry with a grace period. A zero expiresAt
// means no expiration.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}
