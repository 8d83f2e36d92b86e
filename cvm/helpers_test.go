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

package cvm_test

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/import-cvm/cvm"
)

const (
	testEndpoint = "http://cvm.test/dados"
	upstreamHead = "TP_FUNDO;CNPJ_FUNDO;DT_COMPTC;VL_TOTAL;VL_QUOTA;VL_PATRIM_LIQ;CAPTC_DIA;RESG_DIA;NR_COTST"
)

var testFunds = []string{"00.017.024/0001-53", "00.068.305/0001-35"}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

// monthCSV renders an upstream style monthly file with two funds on the 1st and 2nd day
func monthCSV(year int, month time.Month) []byte {
	var sb strings.Builder
	sb.WriteString(upstreamHead)
	sb.WriteString("\r\n")
	for d := 1; d <= 2; d++ {
		for idx, fund := range testFunds {
			fmt.Fprintf(&sb, "FI;%s;%04d-%02d-%02d;%d.25;%d.123456789012;%d.5;0.00;%d.10;%d\r\n",
				fund, year, int(month), d, 1000+d, 10+idx, 900+d, d, 100+idx)
		}
	}
	return []byte(sb.String())
}

// yearZip bundles the monthly files of year into an archive like the HIST/ ones
func yearZip(year int) []byte {
	return zipMembers(year, nil)
}

// zipMembers builds a yearly archive where replace overrides the payload of some months
func zipMembers(year int, replace map[time.Month][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for month := time.January; month <= time.December; month++ {
		w, err := zw.Create(fmt.Sprintf("inf_diario_fi_%04d%02d.csv", year, int(month)))
		Expect(err).To(BeNil())
		payload, ok := replace[month]
		if !ok {
			payload = monthCSV(year, month)
		}
		_, err = w.Write(payload)
		Expect(err).To(BeNil())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

func monthURL(year int, month time.Month) string {
	return fmt.Sprintf("%s/inf_diario_fi_%04d%02d.csv", testEndpoint, year, int(month))
}

func zipURL(year int) string {
	return fmt.Sprintf("%s/HIST/inf_diario_fi_%04d.zip", testEndpoint, year)
}

func expectSameRecords(actual, expected []cvm.Record) {
	Expect(actual).To(HaveLen(len(expected)))
	for idx := range expected {
		a, e := actual[idx], expected[idx]
		Expect(a.Date.Equal(e.Date)).To(BeTrue(), "date of record %d", idx)
		Expect(a.FundID).To(Equal(e.FundID))
		Expect(a.FundType).To(Equal(e.FundType))
		Expect(a.TotalPortfolio.Equal(e.TotalPortfolio)).To(BeTrue(), "total_portfolio of record %d", idx)
		Expect(a.NAV.Equal(e.NAV)).To(BeTrue(), "nav of record %d", idx)
		Expect(a.TotalEquity.Equal(e.TotalEquity)).To(BeTrue(), "total_equity of record %d", idx)
		Expect(a.Subscriptions.Equal(e.Subscriptions)).To(BeTrue(), "subscriptions of record %d", idx)
		Expect(a.Redemptions.Equal(e.Redemptions)).To(BeTrue(), "redemptions of record %d", idx)
		Expect(a.NumShareholder).To(Equal(e.NumShareholder))
	}
}

func months(records []cvm.Record) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, rec := range records {
		m := rec.Date.Format("2006-01")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func isSorted(records []cvm.Record) bool {
	return sort.SliceIsSorted(records, func(i, j int) bool {
		if records[i].Date.Equal(records[j].Date) {
			return records[i].FundID < records[j].FundID
		}
		return records[i].Date.Before(records[j].Date)
	})
}

// memoryStore is an in-memory store keyed like the database one
type memoryStore struct {
	mu        sync.Mutex
	records   map[cvm.Key]cvm.Record
	fetchLog  []*cvm.FetchLogEntry
	latest    time.Time
	latestErr error
	upserts   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		records: make(map[cvm.Key]cvm.Record),
	}
}

func (s *memoryStore) Upsert(ctx context.Context, records []cvm.Record) (*cvm.UpsertReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for idx := range records {
		s.records[records[idx].Key()] = records[idx]
	}
	return &cvm.UpsertReport{Upserted: int64(len(records))}, nil
}

func (s *memoryStore) LogFetch(ctx context.Context, entry *cvm.FetchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchLog = append(s.fetchLog, entry)
	return nil
}

func (s *memoryStore) LatestDate(ctx context.Context) (time.Time, error) {
	if s.latestErr != nil {
		return time.Time{}, s.latestErr
	}
	return s.latest, nil
}

func (s *memoryStore) Query(ctx context.Context, fundIDs []string, start, end time.Time) ([]cvm.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(fundIDs))
	for _, id := range fundIDs {
		wanted[id] = true
	}

	out := make([]cvm.Record, 0, len(s.records))
	for _, rec := range s.records {
		if len(wanted) > 0 && !wanted[rec.FundID] {
			continue
		}
		if (!start.IsZero() && rec.Date.Before(start)) || (!end.IsZero() && rec.Date.After(end)) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStore) all() []cvm.Record {
	records, _ := s.Query(context.Background(), nil, time.Time{}, time.Time{})
	return records
}
