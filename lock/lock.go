// Package lock implements LockRegistry (spec §4.2): named cross-process
// shared/exclusive locks backed by Redis, so that schema-rewriting refreshes
// are serialized against readers across worker processes.
//
// Grounded directly on the original Python Lock class: exclusive acquisition
// via SETNX on a "lock:x:<name>" key, shared holders tracked as entries in a
// "lock:s:<name>" list, stale-entry reclamation by comparing a stored expiry
// against now, and a step/timeout polling loop.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/transitops/ingestd/errors"
)

// ErrLockTimeout is raised when acquisition does not succeed within the
// configured timeout (spec §7).
var ErrLockTimeout = errors.New("lock timeout")

const (
	exclusiveKeyPrefix = "lock:x:"
	sharedKeyPrefix    = "lock:s:"
)

// Mode selects exclusive (writer) or shared (reader) acquisition.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

// Options configures acquisition behavior.
type Options struct {
	Timeout time.Duration // max time to wait for the lock
	Step    time.Duration // polling interval
	Expires time.Duration // how long a held lock is valid before being considered stale
}

// DefaultOptions matches spec §4.2's defaults (timeout 30s, step 0.5s,
// expiry 25s from acquire).
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		Step:    500 * time.Millisecond,
		Expires: 25 * time.Second,
	}
}

// Handle identifies a held lock so it can be released.
type Handle struct {
	name  string
	mode  Mode
	owner string
	entry string // the shared-list entry value, only set for Mode == Shared
}

// Registry is a Redis-backed LockRegistry.
type Registry struct {
	client *redis.Client
	owner  string
}

// NewRegistry constructs a Registry against an already-connected Redis
// client. Each Registry instance gets its own owner id (a fresh UUID),
// standing in for the source's process id.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client, owner: uuid.NewString()}
}

func entryValue(owner string, expiresAt time.Time) string {
	return fmt.Sprintf("%d|%s", expiresAt.UnixNano(), owner)
}

func parseEntry(entry string) (expiresAt time.Time, owner string, ok bool) {
	parts := strings.SplitN(entry, "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, nanos), parts[1], true
}

// AcquireExclusive blocks until an exclusive lock on name is obtained (after
// draining any outstanding shared holders), or returns ErrLockTimeout.
func (r *Registry) AcquireExclusive(ctx context.Context, name string, opts Options) (*Handle, error) {
	key := exclusiveKeyPrefix + name
	deadline := time.Now().Add(opts.Timeout)

	for {
		expiresAt := time.Now().Add(opts.Expires)
		ok, err := r.client.SetNX(ctx, key, entryValue(r.owner, expiresAt), 0).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "setnx exclusive lock %s", name)
		}
		if ok {
			if err := r.waitForShared(ctx, name, deadline, opts.Step); err != nil {
				r.client.Del(ctx, key)
				return nil, err
			}
			return &Handle{name: name, mode: Exclusive, owner: r.owner}, nil
		}

		if err := r.reclaimStaleExclusive(ctx, key); err != nil {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, errors.WithHintf(ErrLockTimeout, "exclusive lock %q not acquired within the configured timeout", name)
		}
		sleep(ctx, opts.Step)
	}
}

// AcquireShared blocks until a shared lock on name is obtained (i.e. no
// exclusive holder exists), or returns ErrLockTimeout.
func (r *Registry) AcquireShared(ctx context.Context, name string, opts Options) (*Handle, error) {
	exclusiveKey := exclusiveKeyPrefix + name
	sharedKey := sharedKeyPrefix + name
	deadline := time.Now().Add(opts.Timeout)

	for {
		held, err := r.client.Get(ctx, exclusiveKey).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrapf(err, "get exclusive lock %s", name)
		}
		if err == redis.Nil || held == "" {
			expiresAt := time.Now().Add(opts.Expires)
			entry := entryValue(r.owner, expiresAt)
			if err := r.client.LPush(ctx, sharedKey, entry).Err(); err != nil {
				return nil, errors.Wrapf(err, "lpush shared lock %s", name)
			}
			return &Handle{name: name, mode: Shared, owner: r.owner, entry: entry}, nil
		}

		if time.Now().After(deadline) {
			return nil, errors.WithHintf(ErrLockTimeout, "shared lock %q not acquired within the configured timeout", name)
		}
		sleep(ctx, opts.Step)
	}
}

// Release unconditionally and idempotently releases the caller's own entry.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	switch h.mode {
	case Exclusive:
		if err := r.client.Del(ctx, exclusiveKeyPrefix+h.name).Err(); err != nil {
			return errors.Wrapf(err, "release exclusive lock %s", h.name)
		}
	case Shared:
		if err := r.client.LRem(ctx, sharedKeyPrefix+h.name, 0, h.entry).Err(); err != nil {
			return errors.Wrapf(err, "release shared lock %s", h.name)
		}
	}
	return nil
}

// waitForShared polls until every shared holder on name has drained or
// expired, or the deadline passes.
func (r *Registry) waitForShared(ctx context.Context, name string, deadline time.Time, step time.Duration) error {
	sharedKey := sharedKeyPrefix + name

	for {
		entries, err := r.client.LRange(ctx, sharedKey, 0, -1).Result()
		if err != nil {
			return errors.Wrapf(err, "lrange shared lock %s", name)
		}
		if len(entries) == 0 {
			return nil
		}

		remaining := entries[:0]
		for _, entry := range entries {
			expiresAt, _, ok := parseEntry(entry)
			if ok && expiresAt.Before(time.Now()) {
				r.client.LRem(ctx, sharedKey, 0, entry)
				continue
			}
			remaining = append(remaining, entry)
		}
		if len(remaining) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.WithHintf(ErrLockTimeout, "shared locks on %q still present after timeout", name)
		}
		sleep(ctx, step)
	}
}

// reclaimStaleExclusive deletes an exclusive lock entry whose expiry has
// already passed, recovering from a crashed holder.
func (r *Registry) reclaimStaleExclusive(ctx context.Context, key string) error {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "get %s for staleness check", key)
	}

	expiresAt, _, ok := parseEntry(val)
	if !ok {
		return nil
	}
	if expiresAt.Before(time.Now()) {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return errors.Wrapf(err, "delete stale lock %s", key)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
