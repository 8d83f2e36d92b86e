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
	"sort"
	"sync/atomic"
	"time"

	"github.com/penny-vault/import-cvm/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultMemoryWarningMonths = 24

// MonthFetcher retrieves a single month (or a whole year from the archive era)
type MonthFetcher interface {
	FetchMonth(ctx context.Context, date time.Time, fullYear bool) MonthResult
}

// Store is the persistence collaborator used when streaming. Implementations must be safe
// for concurrent use and idempotent on the (date, fund_id) key.
type Store interface {
	Upsert(ctx context.Context, records []Record) (*UpsertReport, error)
}

// FetchRecorder is optionally implemented by a Store to keep a log of downloaded files
type FetchRecorder interface {
	LogFetch(ctx context.Context, entry *FetchLogEntry) error
}

// FetchLogEntry describes the outcome of one downloaded locator
type FetchLogEntry struct {
	RunID         string
	URL           string
	ReferenceDate time.Time
	Checksum      string
	NumRecords    int
	Status        string
	Error         string
	FetchedAt     time.Time
}

const (
	FetchStatusOK     = "ok"
	FetchStatusFailed = "failed"
)

// History downloads every month in a date range
type History struct {
	fetcher             MonthFetcher
	pool                *workerPool
	memoryWarningMonths int
	runID               string
}

type HistoryOption func(*History)

// WithWorkers bounds the number of concurrent downloads; <= 0 uses runtime.NumCPU()
func WithWorkers(n int) HistoryOption {
	return func(h *History) {
		h.pool = newWorkerPool(n)
	}
}

// WithMemoryWarning sets the number of months above which an in-memory fetch logs a warning
func WithMemoryWarning(months int) HistoryOption {
	return func(h *History) {
		h.memoryWarningMonths = months
	}
}

// WithRunID tags fetch log entries written while streaming
func WithRunID(runID string) HistoryOption {
	return func(h *History) {
		h.runID = runID
	}
}

func NewHistory(fetcher MonthFetcher, opts ...HistoryOption) *History {
	h := &History{
		fetcher:             fetcher,
		pool:                newWorkerPool(0),
		memoryWarningMonths: DefaultMemoryWarningMonths,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Tasks partitions the range into fetch tasks. Months in the archive era collapse to one
// full-year task per year; later months get one task each. Archive tasks come first.
func Tasks(rng DateRange) []FetchTask {
	months := rng.Months()
	zipped := make([]FetchTask, 0)
	monthly := make([]FetchTask, 0, len(months))
	seenYears := make(map[int]bool)

	for _, month := range months {
		if IsZipped(month) {
			if seenYears[month.Year()] {
				continue
			}
			seenYears[month.Year()] = true
			zipped = append(zipped, FetchTask{Date: month, Zipped: true, FullYear: true})
			continue
		}
		monthly = append(monthly, FetchTask{Date: month, FullYear: false})
	}

	return append(zipped, monthly...)
}

// Fetch downloads all data in rng and returns it merged, sorted by date and trimmed to the
// months of rng. Months that fail to download are logged and left out of the result.
func (h *History) Fetch(ctx context.Context, rng DateRange) ([]Record, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cvm.History.Fetch")
	defer span.End()

	subLog := log.With().Object("Range", rng).Logger()

	if err := rng.Validate(); err != nil {
		subLog.Error().Err(err).Msg("refusing to fetch history")
		return nil, err
	}

	months := len(rng.Months())
	if h.memoryWarningMonths > 0 && months > h.memoryWarningMonths {
		subLog.Warn().Int("NumMonths", months).Msg("fetching a large range without persisting holds every month in memory")
	}

	tasks := Tasks(rng)
	span.SetAttributes(attribute.Int("NumTasks", len(tasks)))
	subLog.Info().Int("NumTasks", len(tasks)).Msg("fetching history")

	batches := make([][]Record, 0, len(tasks))
	var failed int
	for res := range h.pool.run(ctx, tasks, h.fetch) {
		if res.Err != nil {
			failed++
			continue
		}
		if !res.Empty() {
			batches = append(batches, res.Records)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := Merge(rng, batches...)
	subLog.Info().Int("NumRecords", len(merged)).Int("NumFailed", failed).Msg("fetched history")
	return merged, nil
}

// Stream downloads all data in rng and hands each batch to store as soon as it arrives.
// Nothing is kept in memory once a batch is written.
func (h *History) Stream(ctx context.Context, rng DateRange, store Store) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cvm.History.Stream")
	defer span.End()

	subLog := log.With().Object("Range", rng).Str("RunID", h.runID).Logger()

	if err := rng.Validate(); err != nil {
		subLog.Error().Err(err).Msg("refusing to stream history")
		return err
	}

	tasks := Tasks(rng)
	span.SetAttributes(attribute.Int("NumTasks", len(tasks)))
	subLog.Info().Int("NumTasks", len(tasks)).Msg("streaming history to store")

	var upserted, conflicts int64
	persist := func(ctx context.Context, task FetchTask) MonthResult {
		res := h.fetch(ctx, task)
		if res.Err == nil && !res.Empty() {
			res.Records = trim(rng, res.Records)
		}

		if !res.Skipped {
			h.recordFetch(ctx, store, &res)
		}

		if res.Err != nil || res.Empty() {
			return res
		}

		report, err := store.Upsert(ctx, res.Records)
		if err != nil {
			subLog.Error().Err(err).Object("Task", task).Msg("could not store batch")
			res.Err = err
			return res
		}
		atomic.AddInt64(&upserted, report.Upserted)
		atomic.AddInt64(&conflicts, int64(len(report.Conflicts)))
		return res
	}

	var failed int
	for res := range h.pool.run(ctx, tasks, persist) {
		if res.Err != nil {
			failed++
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	subLog.Info().Int64("NumUpserted", upserted).Int64("NumConflicts", conflicts).Int("NumFailed", failed).Msg("finished streaming history")
	return nil
}

func (h *History) fetch(ctx context.Context, task FetchTask) MonthResult {
	res := h.fetcher.FetchMonth(ctx, task.Date, task.FullYear)
	res.Task = task
	return res
}

func (h *History) recordFetch(ctx context.Context, store Store, res *MonthResult) {
	recorder, ok := store.(FetchRecorder)
	if !ok {
		return
	}

	entry := &FetchLogEntry{
		RunID:         h.runID,
		URL:           res.URL,
		ReferenceDate: res.Task.Date,
		Checksum:      res.Checksum,
		NumRecords:    len(res.Records),
		Status:        FetchStatusOK,
		FetchedAt:     time.Now(),
	}
	if res.Err != nil {
		entry.Status = FetchStatusFailed
		entry.Error = res.Err.Error()
	}

	if err := recorder.LogFetch(ctx, entry); err != nil {
		log.Warn().Err(err).Str("Url", res.URL).Msg("could not write fetch log")
	}
}

// Merge concatenates batches, sorts them by date then fund, drops duplicate natural keys
// (the last batch wins) and trims the result to the months covered by rng.
func Merge(rng DateRange, batches ...[]Record) []Record {
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}

	merged := make([]Record, 0, total)
	for _, batch := range batches {
		merged = append(merged, batch...)
	}
	merged = trim(rng, merged)
	sortRecords(merged)
	return dedupe(merged)
}

// sortRecords orders by date then fund; the relative order of equal keys is preserved
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].FundID < records[j].FundID
		}
		return records[i].Date.Before(records[j].Date)
	})
}

func trim(rng DateRange, records []Record) []Record {
	trimmed := records[:0:0]
	for _, rec := range records {
		if rng.ContainsMonth(rec.Date) {
			trimmed = append(trimmed, rec)
		}
	}
	return trimmed
}

// dedupe expects records sorted by key; the later of two equal keys is kept
func dedupe(records []Record) []Record {
	if len(records) < 2 {
		return records
	}

	out := records[:0]
	for idx := range records {
		if len(out) > 0 && sameKey(&out[len(out)-1], &records[idx]) {
			out[len(out)-1] = records[idx]
			continue
		}
		out = append(out, records[idx])
	}

	if dropped := len(records) - len(out); dropped > 0 {
		log.Debug().Int("NumDuplicates", dropped).Msg("dropped duplicate records")
	}
	return out
}

func sameKey(a, b *Record) bool {
	return a.FundID == b.FundID && a.Date.Equal(b.Date)
}
