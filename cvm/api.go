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

package cvm

import (
	"context"
	"errors"
	"time"

	"github.com/penny-vault/import-cvm/common"
	"github.com/rs/zerolog/log"
)

const DefaultLookbackYears = 5

// UpdatableStore is a Store that also knows the most recent date it holds
type UpdatableStore interface {
	Store
	LatestDate(ctx context.Context) (time.Time, error)
}

// QueryableStore retrieves persisted records. Every filter is optional: an empty fundIDs
// matches every fund and a zero start or end leaves that side of the range open.
type QueryableStore interface {
	Query(ctx context.Context, fundIDs []string, start, end time.Time) ([]Record, error)
}

type DownloadOptions struct {
	// UpdateOnly starts the download at the latest date already in the store
	UpdateOnly bool

	// SinceYear is the first year to download when UpdateOnly is false; 0 means five years ago
	SinceYear int
}

// DownloadRange computes the range DownloadData will stream. latest is the store's latest
// date and is ignored unless opts.UpdateOnly is set; a zero latest means the store is empty.
func DownloadRange(opts DownloadOptions, latest, now time.Time) DateRange {
	today := truncateDay(now.In(common.GetTimezone()))

	var start time.Time
	switch {
	case opts.UpdateOnly && latest.IsZero():
		start = FirstValidDate
	case opts.UpdateOnly:
		start = latest
	case opts.SinceYear != 0:
		start = time.Date(opts.SinceYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		start = time.Date(today.Year()-DefaultLookbackYears, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	if start.Before(FirstValidDate) {
		start = FirstValidDate
	}

	end := today
	if !end.After(LastZippedDate) {
		end = time.Date(end.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	}

	return NewDateRange(start, end)
}

// DownloadData fetches everything new since the configured start and writes it to store as
// each month arrives. Either opts.UpdateOnly or opts.SinceYear must be set.
func DownloadData(ctx context.Context, history *History, store UpdatableStore, opts DownloadOptions) error {
	if !opts.UpdateOnly && opts.SinceYear == 0 {
		return ErrMissingStart
	}

	var latest time.Time
	if opts.UpdateOnly {
		var err error
		latest, err = store.LatestDate(ctx)
		switch {
		case errors.Is(err, ErrNoData):
			log.Warn().Msg("no previous data found; downloading all available history")
		case err != nil:
			log.Error().Err(err).Msg("could not read latest date from store")
			return err
		}
	}

	rng := DownloadRange(opts, latest, time.Now())
	if !rng.Start.Before(rng.End) {
		log.Info().Object("Range", rng).Msg("store is already up to date")
		return nil
	}
	log.Info().Object("Range", rng).Bool("UpdateOnly", opts.UpdateOnly).Msg("downloading cvm data")

	return history.Stream(ctx, rng, store)
}

// QueryData returns the persisted records matching the filters sorted by date
func QueryData(ctx context.Context, store QueryableStore, fundIDs []string, start, end time.Time) ([]Record, error) {
	if !start.IsZero() {
		start = truncateDay(start)
	}
	if !end.IsZero() {
		end = truncateDay(end)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, ErrInvalidRange
	}

	records, err := store.Query(ctx, fundIDs, start, end)
	if err != nil {
		log.Error().Err(err).Strs("FundIDs", fundIDs).Msg("query failed")
		return nil, err
	}

	sortRecords(records)
	return records, nil
}
