/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coordination

import (
	"context"
	"errors"
	"math"
	mrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
)

// MaxAttempts bounds the retry budget for a single CS operation; non-
// transient errors propagate immediately, transient ones retry with
// jittered exponential backoff up to this many extra attempts.
const MaxAttempts = 3

// Store is the Coordination Store: a thin, retrying wrapper around a
// Sentinel-backed Redis FailoverClient.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// Options configures the Sentinel discovery the store connects through.
type Options struct {
	SentinelAddrs []string
	MasterName    string
	Password      string
	DialTimeout   time.Duration
}

// New connects to the Sentinel-fronted master described by opts. The
// underlying client transparently follows failovers; this constructor
// itself does not retry, since go-redis re-resolves the master lazily on
// first use.
func New(opts Options, logger *zap.Logger) *Store {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		SentinelAddrs: opts.SentinelAddrs,
		MasterName:    opts.MasterName,
		Password:      opts.Password,
		DialTimeout:   opts.DialTimeout,
	})
	return &Store{client: client, logger: logger}
}

// NewFromClient wraps an already-constructed redis.Client (used by tests
// backed by miniredis, which has no Sentinel topology to discover).
func NewFromClient(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func (s *Store) Close() error {
	return s.client.Close()
}

// withRetry applies the backoff policy of spec §4.1: initial 1s, factor 2,
// cap 30s, ±60% jitter, bounded by MaxAttempts extra attempts for
// transient errors. Non-transient errors propagate after the first try.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientRedisErr(err) {
			return crserrors.DatabaseError(op, err)
		}
		if s.logger != nil {
			s.logger.Warn("coordination store transient error, retrying",
				logging.NewFields().Operation(op).Error(err).Custom("attempt", attempt).ToZap()...)
		}
		if attempt == MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
	}
	return crserrors.Wrap(crserrors.KindTransientInfra, op, lastErr)
}

func jitter(base time.Duration) time.Duration {
	delta := time.Duration(float64(base) * 0.6 * (mrand.Float64()*2 - 1))
	d := base + delta
	if d < 0 {
		return 0
	}
	return d
}

func isTransientRedisErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return crserrors.IsRetryable(err)
}

// Get reads a string value, tolerating a missing key by returning ("", nil).
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := s.withRetry(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			out = ""
			return nil
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Set writes a value with an optional TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX sets a value only if the key does not already exist, returning
// whether this call won the race.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var won bool
	err := s.withRetry(ctx, "setnx", func() error {
		v, err := s.client.SetNX(ctx, key, value, ttl).Result()
		won = v
		return err
	})
	return won, err
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "incr", func() error {
		v, err := s.client.Incr(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.withRetry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, "expire", func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := s.withRetry(ctx, "hget", func() error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.withRetry(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
}

// HKeys lists every field name in a hash, used to enumerate every task
// with an entry in global:task_bug_clusters.
func (s *Store) HKeys(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "hkeys", func() error {
		v, err := s.client.HKeys(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.withRetry(ctx, "sadd", func() error {
		vals := make([]interface{}, len(members))
		for i, m := range members {
			vals[i] = m
		}
		return s.client.SAdd(ctx, key, vals...).Err()
	})
}

func (s *Store) SRem(ctx context.Context, key string, member string) error {
	return s.withRetry(ctx, "srem", func() error {
		return s.client.SRem(ctx, key, member).Err()
	})
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var out bool
	err := s.withRetry(ctx, "sismember", func() error {
		v, err := s.client.SIsMember(ctx, key, member).Result()
		out = v
		return err
	})
	return out, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, "smembers", func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *Store) RPush(ctx context.Context, key string, value string) error {
	return s.withRetry(ctx, "rpush", func() error {
		return s.client.RPush(ctx, key, value).Err()
	})
}

func (s *Store) LIndex(ctx context.Context, key string, index int64) (string, error) {
	var out string
	err := s.withRetry(ctx, "lindex", func() error {
		v, err := s.client.LIndex(ctx, key, index).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Lock is a held advisory lock handle; Release is idempotent.
type Lock struct {
	store *Store
	key   string
	token string
}

// unlockScript deletes the lock key only if its value still matches the
// token this handle set, so a lock that expired and was re-acquired by
// another worker is never released out from under them.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// AcquireLock attempts a single-node best-effort lock with the given TTL.
// Callers must tolerate losing the lock on TTL expiry (treat as "another
// worker beat me") and write idempotently, per spec §4.1.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	key := LockKey(name)
	token := uuid.NewString()
	won, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !won {
		return nil, false, nil
	}
	return &Lock{store: s, key: key, token: token}, true, nil
}

// Release drops the lock iff it is still held by this handle. Calling it
// more than once, or after the lock already expired, is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.store.withRetry(ctx, "unlock", func() error {
		return unlockScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err()
	})
}

// MetadataField reads one dotted path out of the task's JSON metadata blob
// (global:task_metadata:<tid>), returning ("", nil) if either the blob or
// the path is absent.
func (s *Store) MetadataField(ctx context.Context, taskID, path string) (string, error) {
	blob, err := s.Get(ctx, TaskMetadataKey(taskID))
	if err != nil {
		return "", err
	}
	if blob == "" {
		return "", nil
	}
	result := gjson.Get(blob, path)
	if !result.Exists() {
		return "", nil
	}
	return result.String(), nil
}

// SetMetadataField patches one dotted path into the task's JSON metadata
// blob, creating the blob if this is the first field written for taskID.
// Tracing attributes and other per-task scratch fields accumulate here one
// at a time rather than requiring a caller to read-modify-write the whole
// blob itself.
func (s *Store) SetMetadataField(ctx context.Context, taskID, path string, value interface{}) error {
	blob, err := s.Get(ctx, TaskMetadataKey(taskID))
	if err != nil {
		return err
	}
	patched, err := sjson.Set(blob, path, value)
	if err != nil {
		return crserrors.Wrap(crserrors.KindFatal, "patch task metadata", err)
	}
	return s.Set(ctx, TaskMetadataKey(taskID), patched, 0)
}
