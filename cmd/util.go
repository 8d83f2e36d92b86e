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

package cmd

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/penny-vault/import-cvm/common"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/penny-vault/import-cvm/database"
	"github.com/rs/zerolog/log"
)

// newCache returns the payload cache or nil when caching is disabled
func newCache() (*common.Cache, error) {
	if !conf.Cache.Enabled {
		return nil, nil
	}
	return common.NewCache(conf.Cache)
}

// newHistory builds the orchestrator for one download run. cache may be nil.
func newHistory(cache *common.Cache) *cvm.History {
	opts := []cvm.FetcherOption{
		cvm.WithHTTPClient(&http.Client{Timeout: conf.CVM.Timeout}),
		cvm.WithEndpoint(conf.CVM.BaseURL),
		cvm.WithTempDir(conf.CVM.TempDir),
	}
	if cache != nil {
		opts = append(opts, cvm.WithCache(cache))
	}

	runID := uuid.New().String()
	log.Info().Str("RunID", runID).Msg("created download run")

	return cvm.NewHistory(cvm.NewFetcher(opts...),
		cvm.WithWorkers(conf.CVM.Workers),
		cvm.WithMemoryWarning(conf.CVM.MemoryWarningMonths),
		cvm.WithRunID(runID),
	)
}

func closeCache(cache *common.Cache) {
	if cache == nil {
		return
	}
	if err := cache.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close payload cache")
	}
}

// openStore connects to the database, applies pending migrations and returns the store
func openStore(ctx context.Context) (*database.Store, *pgxpool.Pool) {
	pool, err := database.Connect(ctx, conf.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}

	if err := database.Migrate(ctx, pool, false); err != nil {
		pool.Close()
		log.Fatal().Err(err).Msg("could not migrate database")
	}

	store := database.NewStore(pool,
		database.WithBatchSize(conf.Database.BatchSize),
		database.WithRetryWrites(conf.Database.RetryWrites),
	)
	return store, pool
}
