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
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending migration under migrations/ to the
// database at dsn, creating the Relational Store's schema (spec §3) on a
// fresh instance and no-opting on one already at the latest version.
// It opens its own short-lived *sql.DB over pgx's stdlib driver rather
// than reusing Connect's sqlx pool, since goose drives schema changes
// outside the request-serving connection pool's lifecycle.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return crserrors.DatabaseError("open migration connection", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return crserrors.DatabaseError("set migration dialect", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return crserrors.DatabaseError("apply migrations", err)
	}
	return nil
}

// MigrationStatus reports the current and pending migration versions
// without applying anything, used by the migrate status subcommand.
func MigrationStatus(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return crserrors.DatabaseError("open migration connection", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return crserrors.DatabaseError("set migration dialect", err)
	}
	return goose.StatusContext(ctx, db, "migrations")
}
