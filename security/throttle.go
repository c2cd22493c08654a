package security

import (
	"context"
	"fmt"
	"time"
)

// Cache is the distributed string cache the device-flow throttle records
// last-seen poll timestamps in. Implementations must scope entries with the
// given absolute expiration; the memory and redis stores both satisfy this.
type Cache interface {
	// GetString returns the cached value and whether it was present.
	GetString(ctx context.Context, key string) (string, bool, error)

	// SetString stores a value with an absolute expiration time.
	SetString(ctx context.Context, key, value string, expiresAt time.Time) error
}

// deviceCodeKeyPrefix namespaces throttle entries in the shared cache.
const deviceCodeKeyPrefix = "devicecode_"

// DeviceFlowThrottler decides, per device-code polling request, whether the
// client is polling faster than the negotiated interval (RFC 8628 "slow_down").
//
// The last-seen timestamp is kept in the shared cache with an expiration equal
// to the device code's own lifetime, so throttle state never outlives the code.
type DeviceFlowThrottler struct {
	cache    Cache
	clock    Clock
	interval time.Duration
}

// NewDeviceFlowThrottler creates a throttler enforcing the given minimum
// polling interval.
func NewDeviceFlowThrottler(cache Cache, clock Clock, interval time.Duration) *DeviceFlowThrottler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DeviceFlowThrottler{
		cache:    cache,
		clock:    clock,
		interval: interval,
	}
}

// ShouldSlowDown records the poll and reports whether the client must slow
// down. The first poll for a device code is always allowed. A subsequent poll
// is throttled when strictly less than the configured interval has elapsed
// since the previously recorded poll; the timestamp is updated either way, so
// a misbehaving client never escapes the penalty by hammering the endpoint.
func (t *DeviceFlowThrottler) ShouldSlowDown(ctx context.Context, deviceCode string, codeLifetime time.Duration) (bool, error) {
	if deviceCode == "" {
		return false, fmt.Errorf("device code is required")
	}

	key := deviceCodeKeyPrefix + deviceCode
	now := t.clock.Now()
	expiresAt := now.Add(codeLifetime)

	lastSeenRaw, found, err := t.cache.GetString(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read throttle state: %w", err)
	}

	// record new
	if !found {
		if err := t.cache.SetString(ctx, key, now.Format(time.RFC3339Nano), expiresAt); err != nil {
			return false, fmt.Errorf("failed to record throttle state: %w", err)
		}
		return false, nil
	}

	// check interval
	if lastSeen, parseErr := time.Parse(time.RFC3339Nano, lastSeenRaw); parseErr == nil {
		if now.Before(lastSeen.Add(t.interval)) {
			// Refresh the timestamp without resetting the code's expiry window.
			if err := t.cache.SetString(ctx, key, now.Format(time.RFC3339Nano), expiresAt); err != nil {
				return false, fmt.Errorf("failed to record throttle state: %w", err)
			}
			return true, nil
		}
	}

	// store current and continue
	if err := t.cache.SetString(ctx, key, now.Format(time.RFC3339Nano), expiresAt); err != nil {
		return false, fmt.Errorf("failed to record throttle state: %w", err)
	}
	return false, nil
}
