package security

import "time"

// IsExpiredWithGracePeriod reports whether expiresAt has passed at time now,
// tolerating up to gracePeriod of skew between the issuing host and whoever
// verifies the token. Tokens remain usable for at most gracePeriod past
// their true expiry, which is an accepted trade-off; one-time authorization
// codes never get this tolerance. A zero expiresAt never expires.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
