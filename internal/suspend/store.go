// Package suspend provides per-user suspension management backed by Redis.
// Suspension records are simple key-value pairs with TTL-based expiry:
//
//	Key:   suspend:<userID>
//	Value: <reason>
//	TTL:   suspension duration
//
// An offense counter per user drives automatic suspensions with escalating
// durations when the archival pipeline flags transcripts.
package suspend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SuspendPrefix is the Redis key prefix for suspension records.
	SuspendPrefix = "suspend:"

	// OffensesPrefix is the Redis key prefix for per-user offense counters.
	OffensesPrefix = "offenses:"

	// Escalating suspension durations.
	Suspend15Min  = 15 * time.Minute // 1st suspension
	Suspend1Hour  = 1 * time.Hour    // 2nd suspension
	Suspend24Hour = 24 * time.Hour   // 3rd+ suspension

	// OffensesTTL is how long the offense counter lives in Redis. After
	// 24h without new offenses the counter resets to zero.
	OffensesTTL = 24 * time.Hour

	// AutoSuspendThreshold is the number of offenses within OffensesTTL
	// that triggers an automatic suspension.
	AutoSuspendThreshold = 3
)

// Store manages suspension records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a suspension store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsSuspended checks if a user is currently suspended.
// Returns (suspended, remainingSeconds, reason, error).
// If the user is not suspended, suspended is false and the other return
// values are zero/empty. Redis errors are returned so callers can decide
// how to handle them (the recommended policy is fail-open).
func (s *Store) IsSuspended(ctx context.Context, userID string) (bool, int, string, error) {
	key := SuspendPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The suspension exists but the TTL is unreadable. Report
		// suspended with 0 remaining rather than swallowing it.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}

	return true, remaining, reason, nil
}

// Suspend bars a user for the given duration with a reason. The record
// automatically expires after the duration elapses.
func (s *Store) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	key := SuspendPrefix + userID
	return s.client.Set(ctx, key, reason, duration).Err()
}

// Lift removes a user's suspension immediately.
func (s *Store) Lift(ctx context.Context, userID string) error {
	key := SuspendPrefix + userID
	return s.client.Del(ctx, key).Err()
}

// escalationDuration returns the suspension duration for a given offense
// count. Counts below the threshold never reach this function.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= AutoSuspendThreshold:
		return Suspend15Min
	case offenseCount == AutoSuspendThreshold+1:
		return Suspend1Hour
	default:
		return Suspend24Hour
	}
}

// OffenseCount returns the current offense counter for a user. Returns 0 if
// the key does not exist (no offenses recorded or the counter expired).
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	key := OffensesPrefix + userID
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// RecordOffense increments the offense counter for a user and, once the
// counter reaches AutoSuspendThreshold, applies a suspension whose duration
// escalates with further offenses:
//
//	3rd offense  -> 15 minutes
//	4th offense  -> 1 hour
//	5th+ offense -> 24 hours
//
// The counter's 24h TTL is set on first increment only, so the window does
// not slide and counters naturally expire without new activity.
//
// Returns (suspended, duration) describing the action taken.
func (s *Store) RecordOffense(ctx context.Context, userID string, reason string) (bool, time.Duration, error) {
	key := OffensesPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("suspend: offense incr: %w", err)
	}

	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("suspend: offense expire: %w", err)
		}
	}

	if count < AutoSuspendThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(int(count))
	if err := s.Suspend(ctx, userID, duration, reason); err != nil {
		return false, 0, fmt.Errorf("suspend: offense suspend: %w", err)
	}
	return true, duration, nil
}
