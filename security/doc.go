// Package security provides cross-cutting security services for the issuance
// engine: audit event logging, per-identifier rate limiting, device-flow
// polling throttling, grant payload encryption at rest, and the injectable
// clock abstraction.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket
// algorithm with automatic memory management through LRU eviction. It is used
// to keep security-event logging from being flooded and to bound abusive
// token-endpoint callers.
//
// Default configuration:
//   - MaxEntries: 10,000 unique identifiers
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientID) {
//	    // Rate limit exceeded
//	}
//
// # Device Flow Throttling
//
// DeviceFlowThrottler enforces the RFC 8628 polling interval using a shared
// cache keyed by device code, with throttle state expiring together with the
// device code itself.
package security
