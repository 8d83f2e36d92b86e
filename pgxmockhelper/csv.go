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

package pgxmockhelper

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pashagolub/pgxmock"
	"github.com/rs/zerolog/log"
)

// CSVRows builds pgxmock rows from a comma separated fixture. Columns listed in the type map
// are converted ("date", "int64"); everything else is passed through as a string.
type CSVRows struct {
	rows    [][]interface{}
	header  []string
	dateCol int
	fundCol int
}

func NewCSVRows(csvFn string, typeMap map[string]string) *CSVRows {
	subLog := log.With().Str("CsvFn", csvFn).Logger()

	rows := &CSVRows{
		dateCol: -1,
		fundCol: -1,
		rows:    make([][]interface{}, 0),
	}
	rawData, err := os.ReadFile(csvFn)
	if err != nil {
		subLog.Panic().Err(err).Msg("could not read file")
	}

	// break raw data into an array of lines
	lines := strings.Split(string(rawData), "\n")

	// sanity checks:
	// - at least a header and a trailing newline
	// - make sure last line ends in newline
	if len(lines) < 2 {
		subLog.Panic().Int("NumLines", len(lines)).Msg("input file does not have enough lines, need at least 2 (header + trailing new line)")
	}
	if lines[len(lines)-1] != "" {
		subLog.Panic().Msg("input file is missing a trailing new line")
	}

	rows.header = strings.Split(lines[0], ",")
	for idx, col := range rows.header {
		if col == "fund_id" {
			rows.fundCol = idx
		}
	}

	for _, ll := range lines[1 : len(lines)-1] {
		parts := strings.Split(ll, ",")
		cols := make([]interface{}, len(rows.header))
		for idx, val := range parts {
			switch typeMap[rows.header[idx]] {
			case "date":
				parsed, err := time.Parse("2006-01-02", val)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to datetime of format 2006-01-02")
				}
				cols[idx] = parsed
				rows.dateCol = idx
			case "int64":
				parsed, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					subLog.Panic().Err(err).Str("Val", val).Msg("could not convert val to int64")
				}
				cols[idx] = parsed
			default:
				cols[idx] = val
			}
		}
		rows.rows = append(rows.rows, cols)
	}

	return rows
}

// Between keeps rows whose date is in [a, b]; a zero bound is open
func (csvRows *CSVRows) Between(a time.Time, b time.Time) *CSVRows {
	if len(csvRows.rows) == 0 {
		return csvRows
	}
	if csvRows.dateCol == -1 {
		log.Panic().Time("a", a).Time("b", b).Msg("no date column found")
	}

	newRows := make([][]interface{}, 0, len(csvRows.rows))
	for _, row := range csvRows.rows {
		t := row[csvRows.dateCol].(time.Time)
		if (!a.IsZero() && t.Before(a)) || (!b.IsZero() && t.After(b)) {
			continue
		}
		newRows = append(newRows, row)
	}
	csvRows.rows = newRows
	return csvRows
}

// Funds keeps rows belonging to one of fundIDs; no ids keeps every row
func (csvRows *CSVRows) Funds(fundIDs ...string) *CSVRows {
	if len(fundIDs) == 0 || csvRows.fundCol == -1 {
		return csvRows
	}

	keep := make(map[string]bool, len(fundIDs))
	for _, id := range fundIDs {
		keep[id] = true
	}

	newRows := make([][]interface{}, 0, len(csvRows.rows))
	for _, row := range csvRows.rows {
		if keep[row[csvRows.fundCol].(string)] {
			newRows = append(newRows, row)
		}
	}
	csvRows.rows = newRows
	return csvRows
}

func (csvRows *CSVRows) Len() int {
	return len(csvRows.rows)
}

func (csvRows *CSVRows) Rows() *pgxmock.Rows {
	r := pgxmock.NewRows(csvRows.header)
	for _, row := range csvRows.rows {
		r.AddRow(row...)
	}
	return r
}

// CVMDaily loads a cvm_daily fixture with the column types the store scans into
func CVMDaily(fn string) *CSVRows {
	return NewCSVRows(fn, map[string]string{
		"date":           "date",
		"n_shareholders": "int64",
	})
}

// MockFundsQuery expects one select on cvm_daily answered from fn
func MockFundsQuery(db pgxmock.PgxConnIface, fn string, start, end time.Time, fundIDs ...string) {
	db.ExpectQuery("SELECT date, fund_id, fund_type").WillReturnRows(
		CVMDaily(fn).Between(start, end).Funds(fundIDs...).Rows())
}
