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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DefaultBatchSize = 1000

	upsertColumns = 9

	// postgres accepts at most 65535 bind parameters per statement
	maxBatchSize = 65535 / upsertColumns
)

var (
	ErrDuplicateInBatch = errors.New("record repeated within batch; last occurrence kept")
)

const upsertPrefix = `INSERT INTO cvm_daily (
	date, fund_id, fund_type, total_portfolio, nav, total_equity, subscriptions, redemptions, n_shareholders
) VALUES `

const upsertSuffix = ` ON CONFLICT (date, fund_id) DO UPDATE SET
	fund_type = EXCLUDED.fund_type,
	total_portfolio = EXCLUDED.total_portfolio,
	nav = EXCLUDED.nav,
	total_equity = EXCLUDED.total_equity,
	subscriptions = EXCLUDED.subscriptions,
	redemptions = EXCLUDED.redemptions,
	n_shareholders = EXCLUDED.n_shareholders,
	updated_at = now()`

const selectColumns = `SELECT date, fund_id, fund_type, total_portfolio::text, nav::text, total_equity::text,
	subscriptions::text, redemptions::text, n_shareholders FROM cvm_daily`

// Store persists records in PostgreSQL keyed on (date, fund_id). It is safe for concurrent
// use as long as the underlying pool is.
type Store struct {
	pool        PgxIface
	batchSize   int
	retryWrites bool
}

var (
	_ cvm.UpdatableStore = (*Store)(nil)
	_ cvm.QueryableStore = (*Store)(nil)
	_ cvm.FetchRecorder  = (*Store)(nil)
)

type StoreOption func(*Store)

// WithBatchSize sets the number of records written per statement
func WithBatchSize(n int) StoreOption {
	return func(s *Store) {
		switch {
		case n > maxBatchSize:
			s.batchSize = maxBatchSize
		case n > 0:
			s.batchSize = n
		}
	}
}

// WithRetryWrites controls whether a failed batch is retried one record at a time to
// isolate the offending rows. Without it every record of a failed batch is reported.
func WithRetryWrites(retry bool) StoreOption {
	return func(s *Store) {
		s.retryWrites = retry
	}
}

func NewStore(pool PgxIface, opts ...StoreOption) *Store {
	s := &Store{
		pool:        pool,
		batchSize:   DefaultBatchSize,
		retryWrites: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert inserts or replaces records. Conflicts are reported per record and never abort the
// rest of the batch; the returned error is only set when the database cannot be reached.
func (s *Store) Upsert(ctx context.Context, records []cvm.Record) (*cvm.UpsertReport, error) {
	report := &cvm.UpsertReport{}

	unique, duplicates := collapse(records)
	report.Conflicts = append(report.Conflicts, duplicates...)

	for start := 0; start < len(unique); start += s.batchSize {
		end := start + s.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]

		n, err := s.upsertChunk(ctx, chunk)
		if err == nil {
			report.Upserted += n
			continue
		}

		var connErr *connectionError
		if errors.As(err, &connErr) {
			return report, connErr.err
		}

		if !s.retryWrites || len(chunk) == 1 {
			for idx := range chunk {
				report.Conflicts = append(report.Conflicts, conflict(&chunk[idx], err))
			}
			continue
		}

		log.Warn().Err(err).Int("NumRecords", len(chunk)).Msg("batch upsert failed; retrying one record at a time")
		for idx := range chunk {
			n, err := s.upsertChunk(ctx, chunk[idx:idx+1])
			if err != nil {
				if errors.As(err, &connErr) {
					return report, connErr.err
				}
				report.Conflicts = append(report.Conflicts, conflict(&chunk[idx], err))
				continue
			}
			report.Upserted += n
		}
	}

	return report, nil
}

// connectionError marks failures that are not caused by the records being written
type connectionError struct {
	err error
}

func (e *connectionError) Error() string {
	return e.err.Error()
}

func (s *Store) upsertChunk(ctx context.Context, chunk []cvm.Record) (int64, error) {
	sql, args := buildUpsert(chunk)

	trx, err := s.pool.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not begin transaction")
		return 0, &connectionError{err: err}
	}

	tag, err := trx.Exec(ctx, sql, args...)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("could not commit transaction")
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func buildUpsert(chunk []cvm.Record) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(upsertPrefix)

	args := make([]interface{}, 0, len(chunk)*upsertColumns)
	for idx := range chunk {
		rec := &chunk[idx]
		if idx > 0 {
			sb.WriteString(", ")
		}
		base := idx * upsertColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d::numeric, $%d::numeric, $%d::numeric, $%d::numeric, $%d::numeric, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			rec.Date,
			rec.FundID,
			rec.FundType,
			rec.TotalPortfolio.String(),
			rec.NAV.String(),
			rec.TotalEquity.String(),
			rec.Subscriptions.String(),
			rec.Redemptions.String(),
			rec.NumShareholder,
		)
	}

	sb.WriteString(upsertSuffix)
	return sb.String(), args
}

// collapse removes repeated keys keeping the last occurrence in its original position. A
// single INSERT ... ON CONFLICT statement cannot touch the same row twice.
func collapse(records []cvm.Record) ([]cvm.Record, []*cvm.StorageConflictError) {
	last := make(map[cvm.Key]int, len(records))
	for idx := range records {
		last[dayKey(&records[idx])] = idx
	}

	if len(last) == len(records) {
		return records, nil
	}

	unique := make([]cvm.Record, 0, len(last))
	duplicates := make([]*cvm.StorageConflictError, 0, len(records)-len(last))
	for idx := range records {
		if last[dayKey(&records[idx])] != idx {
			duplicates = append(duplicates, conflict(&records[idx], ErrDuplicateInBatch))
			continue
		}
		unique = append(unique, records[idx])
	}
	return unique, duplicates
}

func dayKey(rec *cvm.Record) cvm.Key {
	dt := rec.Date
	return cvm.Key{
		Date:   time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, time.UTC),
		FundID: rec.FundID,
	}
}

func conflict(rec *cvm.Record, err error) *cvm.StorageConflictError {
	conflictErr := &cvm.StorageConflictError{Key: dayKey(rec), Err: err}
	log.Warn().Err(err).Str("Key", conflictErr.Key.String()).Msg("could not store record")
	return conflictErr
}

// LatestDate returns the most recent date in the store or cvm.ErrNoData when it is empty
func (s *Store) LatestDate(ctx context.Context) (time.Time, error) {
	var latest time.Time
	err := s.pool.QueryRow(ctx, "SELECT date FROM cvm_daily ORDER BY date DESC LIMIT 1").Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, cvm.ErrNoData
	}
	if err != nil {
		log.Error().Err(err).Msg("could not query latest date")
		return time.Time{}, err
	}
	return latest, nil
}

// Query returns records for fundIDs between start and end inclusive. Empty fundIDs matches
// every fund and a zero start or end leaves that side open. Results are ordered by date then
// fund.
func (s *Store) Query(ctx context.Context, fundIDs []string, start, end time.Time) ([]cvm.Record, error) {
	sql, args := buildQuery(fundIDs, start, end)
	subLog := log.With().Str("Query", sql).Logger()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		subLog.Error().Err(err).Msg("query failed")
		return nil, err
	}
	defer rows.Close()

	records := make([]cvm.Record, 0)
	for rows.Next() {
		var rec cvm.Record
		var totalPortfolio, nav, totalEquity, subscriptions, redemptions string
		if err := rows.Scan(&rec.Date, &rec.FundID, &rec.FundType, &totalPortfolio, &nav, &totalEquity,
			&subscriptions, &redemptions, &rec.NumShareholder); err != nil {
			subLog.Error().Err(err).Msg("could not scan row")
			return nil, err
		}

		values := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{totalPortfolio, &rec.TotalPortfolio},
			{nav, &rec.NAV},
			{totalEquity, &rec.TotalEquity},
			{subscriptions, &rec.Subscriptions},
			{redemptions, &rec.Redemptions},
		}
		for _, val := range values {
			d, err := decimal.NewFromString(val.raw)
			if err != nil {
				subLog.Error().Err(err).Str("Value", val.raw).Msg("could not parse numeric column")
				return nil, err
			}
			*val.dst = d
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		subLog.Error().Err(err).Msg("reading rows failed")
		return nil, err
	}

	return records, nil
}

func buildQuery(fundIDs []string, start, end time.Time) (string, []interface{}) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)

	if len(fundIDs) > 0 {
		args = append(args, fundIDs)
		where = append(where, fmt.Sprintf("fund_id = ANY($%d)", len(args)))
	}
	if !start.IsZero() {
		args = append(args, start)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !end.IsZero() {
		args = append(args, end)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}

	sql := selectColumns
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY date, fund_id"
	return sql, args
}

// LogFetch records the outcome of one download in fetch_log
func (s *Store) LogFetch(ctx context.Context, entry *cvm.FetchLogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_log (run_id, url, reference_date, checksum, num_records, status, error, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.RunID, entry.URL, entry.ReferenceDate, entry.Checksum, entry.NumRecords, entry.Status,
		entry.Error, entry.FetchedAt)
	if err != nil {
		log.Error().Err(err).Str("Url", entry.URL).Msg("could not insert fetch log entry")
	}
	return err
}
