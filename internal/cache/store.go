// SPDX-License-Identifier: MIT

// Package cache implements the response/failure cache over every outbound
// API call. Entries are keyed by opaque request fingerprints and carry
// per-source TTLs supplied by callers.
package cache

import (
	"context"
	"strings"
	"time"
)

// Backend is the persistence layer under the cache manager. Implemented by
// the Badger default and the optional Redis backend.
type Backend interface {
	// Get returns the raw value for key, or found=false on miss.
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	// Set stores val under key with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Scan visits every key with the given prefix.
	Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error
	Close() error
}

// Fingerprint joins an operation name and its scalar arguments with colons
// to form an opaque cache key.
func Fingerprint(op string, args ...string) string {
	if len(args) == 0 {
		return op
	}
	return op + ":" + strings.Join(args, ":")
}
