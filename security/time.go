package security

import "time"

// Clock supplies the current time. The issuance engine never calls time.Now
// directly so that lifetime and expiry behavior can be tested with a
// simulated clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

const (
	// DefaultClockSkewGracePeriod is the default grace period for token expiration checks.
	// This prevents false expiration errors due to time synchronization issues
	// between different systems (client, server, stores).
	//
	// Trade-offs:
	//   - Allows tokens to be used up to 5 seconds beyond their true expiration
	//   - This is acceptable for most use cases and improves reliability
	//   - For high-security scenarios, this can be reduced or disabled
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks if a grant or token is expired with the default clock skew
// grace period.
func IsExpired(clock Clock, expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(clock, expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks if a grant or token is expired with a custom
// clock skew grace period.
func IsExpiredWithGracePeriod(clock Clock, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // No expiration
	}

	// Only expired once it has been expired for more than the grace period
	return clock.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon checks if a token will expire within the given threshold.
func IsExpiringSoon(clock Clock, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return clock.Now().Add(threshold).After(expiresAt)
}
