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

package database

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// MaxTransientRetries bounds the retry count for transient faults per
// spec §4.3 ("non-transient errors propagate after ≤3 retries").
const MaxTransientRetries = 3

// Connect opens a *sqlx.DB against the given DSN and applies the pool
// settings of cfg. It pings once to fail fast on an unreachable database.
func Connect(ctx context.Context, dsn string, cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, crserrors.DatabaseError("connect", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// WithRetry runs fn, retrying transient faults (connection reset, refused,
// pool closing) with the same backoff policy as the coordination store:
// initial 1s, factor 2, cap 30s, ±60% jitter, bounded to MaxTransientRetries
// retries after the first attempt. Non-transient errors (constraint
// violations, context cancellation) propagate immediately.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt <= MaxTransientRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if attempt == MaxTransientRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return lastErr
}

func jitter(base time.Duration) time.Duration {
	delta := time.Duration(float64(base) * 0.6 * (rand.Float64()*2 - 1))
	return base + delta
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return crserrors.KindOf(err) == crserrors.KindTransientInfra || crserrors.IsRetryable(err)
}

// Transact runs fn inside a single transaction, rolling back on error or
// panic and committing on success, per spec §4.3's "all multi-row writes
// happen inside a single transaction" contract.
func Transact(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return crserrors.DatabaseError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
