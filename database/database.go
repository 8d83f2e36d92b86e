// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/penny-vault/import-cvm/config"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PgxIface is the subset of pgxpool.Pool used by the store; pgxmock implements it in tests
type PgxIface interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Connect opens a connection pool and verifies the server is reachable
func Connect(ctx context.Context, conf config.Database) (*pgxpool.Pool, error) {
	poolConf, err := pgxpool.ParseConfig(conf.DSN())
	if err != nil {
		log.Error().Err(err).Msg("could not parse database connection string")
		return nil, err
	}
	if conf.ConnectTimeout > 0 {
		poolConf.ConnConfig.ConnectTimeout = conf.ConnectTimeout
	}

	pool, err := pgxpool.ConnectConfig(ctx, poolConf)
	if err != nil {
		log.Error().Err(err).Str("Host", poolConf.ConnConfig.Host).Msg("could not connect to pool")
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		log.Error().Err(err).Str("Host", poolConf.ConnConfig.Host).Msg("could not ping database server")
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Migrate brings the schema up to date. With down set the most recent migration is rolled
// back instead.
func Migrate(ctx context.Context, pool *pgxpool.Pool, down bool) error {
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	return runMigrations(ctx, db, down)
}

func runMigrations(ctx context.Context, db *sql.DB, down bool) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	if down {
		log.Info().Msg("rolling back most recent migration")
		return goose.Down(db, "migrations")
	}

	log.Info().Msg("applying migrations")
	return goose.Up(db, "migrations")
}

// gooseLogger routes goose output through zerolog
type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{}) {
	log.Fatal().Msg(fmt.Sprint(v...))
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(format, v...)
}

func (gooseLogger) Print(v ...interface{}) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (gooseLogger) Println(v ...interface{}) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}
