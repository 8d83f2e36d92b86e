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
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Record is a single fund observation from the daily report. The pair (Date, FundID)
// is the natural key.
type Record struct {
	Date           time.Time       `json:"date"`
	FundID         string          `json:"fund_id"`
	FundType       string          `json:"fund_type"`
	TotalPortfolio decimal.Decimal `json:"total_portfolio"`
	NAV            decimal.Decimal `json:"nav"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	Subscriptions  decimal.Decimal `json:"subscriptions"`
	Redemptions    decimal.Decimal `json:"redemptions"`
	NumShareholder int64           `json:"n_shareholders"`
}

// Key identifies a record in the store
type Key struct {
	Date   time.Time
	FundID string
}

func (r *Record) Key() Key {
	return Key{Date: r.Date, FundID: r.FundID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Date.Format(DateLayout), k.FundID)
}

// DateRange is a closed interval of calendar dates
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange truncates start and end to calendar dates
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{
		Start: truncateDay(start),
		End:   truncateDay(end),
	}
}

// Validate checks start < end and, when the end falls into the yearly archive era, that it
// is aligned to December. The archives cannot be queried at sub-year granularity.
func (rng DateRange) Validate() error {
	if !rng.Start.Before(rng.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange, rng.Start.Format(DateLayout), rng.End.Format(DateLayout))
	}
	if !rng.End.After(LastZippedDate) && rng.End.Month() != time.December {
		return fmt.Errorf("%w: end %s falls in the yearly archive era and must be in December", ErrInvalidRange, rng.End.Format(DateLayout))
	}
	return nil
}

// Months returns the first day of each calendar month touched by the range
func (rng DateRange) Months() []time.Time {
	first := monthStart(rng.Start)
	last := monthStart(rng.End)

	months := make([]time.Time, 0, 12)
	for dt := first; !dt.After(last); dt = dt.AddDate(0, 1, 0) {
		months = append(months, dt)
	}
	return months
}

// ContainsMonth reports whether dt falls between the month of Start and the month of End
func (rng DateRange) ContainsMonth(dt time.Time) bool {
	return !dt.Before(monthStart(rng.Start)) && dt.Before(monthStart(rng.End).AddDate(0, 1, 0))
}

func (rng DateRange) MarshalZerologObject(e *zerolog.Event) {
	e.Str("Start", rng.Start.Format(DateLayout))
	e.Str("End", rng.End.Format(DateLayout))
}

// FetchTask is one unit of retrieval work scheduled by History
type FetchTask struct {
	Date     time.Time
	Zipped   bool
	FullYear bool
}

func (task FetchTask) MarshalZerologObject(e *zerolog.Event) {
	e.Str("Date", task.Date.Format(DateLayout))
	e.Bool("Zipped", task.Zipped)
	e.Bool("FullYear", task.FullYear)
}

// MonthResult is the outcome of a single FetchTask. A failed task carries the reason in Err
// and no records; a task outside the published window is Skipped.
type MonthResult struct {
	Task     FetchTask
	URL      string
	Checksum string
	Records  []Record
	Skipped  bool
	Err      error
}

// OK returns true when the task downloaded and parsed successfully
func (res *MonthResult) OK() bool {
	return res.Err == nil && !res.Skipped
}

// Empty returns true when there is nothing to merge or persist
func (res *MonthResult) Empty() bool {
	return len(res.Records) == 0
}

// UpsertReport summarizes a single Store.Upsert call
type UpsertReport struct {
	Upserted  int64
	Conflicts []*StorageConflictError
}

func truncateDay(dt time.Time) time.Time {
	return time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(dt time.Time) time.Time {
	return time.Date(dt.Year(), dt.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
