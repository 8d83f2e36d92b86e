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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/import-cvm/common"
	"github.com/penny-vault/import-cvm/cvm"
)

var _ = Describe("DownloadRange", func() {
	now := time.Date(2021, time.March, 15, 12, 0, 0, 0, time.UTC)

	DescribeTable("computes the range to download", func(opts cvm.DownloadOptions, latest time.Time, start, end time.Time) {
		rng := cvm.DownloadRange(opts, latest, now)
		Expect(rng.Start).To(Equal(start))
		Expect(rng.End).To(Equal(end))
	},
		Entry("update of an empty store", cvm.DownloadOptions{UpdateOnly: true}, time.Time{}, cvm.FirstValidDate, day(2021, time.March, 15)),
		Entry("update from the latest date", cvm.DownloadOptions{UpdateOnly: true}, day(2021, time.February, 26), day(2021, time.February, 26), day(2021, time.March, 15)),
		Entry("since a year", cvm.DownloadOptions{SinceYear: 2018}, time.Time{}, day(2018, time.January, 1), day(2021, time.March, 15)),
		Entry("default lookback", cvm.DownloadOptions{}, time.Time{}, day(2016, time.January, 1), day(2021, time.March, 15)),
		Entry("year before the first valid date", cvm.DownloadOptions{SinceYear: 2001}, time.Time{}, cvm.FirstValidDate, day(2021, time.March, 15)),
	)

	It("widens an end in the archive era to December", func() {
		rng := cvm.DownloadRange(cvm.DownloadOptions{SinceYear: 2012}, time.Time{}, time.Date(2014, time.May, 3, 15, 0, 0, 0, time.UTC))
		Expect(rng.End).To(Equal(day(2014, time.December, 31)))
		Expect(rng.Validate()).To(Succeed())
	})
})

var _ = Describe("DownloadData", func() {
	var (
		ctx     context.Context
		history *cvm.History
	)

	BeforeEach(func() {
		ctx = context.Background()
		client := &http.Client{}
		httpmock.ActivateNonDefault(client)
		DeferCleanup(httpmock.DeactivateAndReset)
		httpmock.RegisterNoResponder(httpmock.NewStringResponder(404, "Not Found"))

		history = cvm.NewHistory(cvm.NewFetcher(cvm.WithHTTPClient(client), cvm.WithEndpoint(testEndpoint)))
	})

	It("requires a start year or an update", func() {
		err := cvm.DownloadData(ctx, history, newMemoryStore(), cvm.DownloadOptions{})
		Expect(errors.Is(err, cvm.ErrMissingStart)).To(BeTrue())
		Expect(httpmock.GetTotalCallCount()).To(Equal(0))
	})

	It("does nothing when the store is up to date", func() {
		store := newMemoryStore()
		local := time.Now().In(common.GetTimezone())
		store.latest = day(local.Year(), local.Month(), local.Day())

		Expect(cvm.DownloadData(ctx, history, store, cvm.DownloadOptions{UpdateOnly: true})).To(Succeed())
		Expect(httpmock.GetTotalCallCount()).To(Equal(0))
	})

	It("streams the current month when updating", func() {
		local := time.Now().In(common.GetTimezone())
		today := day(local.Year(), local.Month(), local.Day())
		httpmock.RegisterResponder("GET", monthURL(today.Year(), today.Month()),
			httpmock.NewBytesResponder(200, monthCSV(today.Year(), today.Month())))

		store := newMemoryStore()
		store.latest = today.AddDate(0, 0, -1)
		if store.latest.Month() != today.Month() {
			Skip("first day of the month spans two monthly files")
		}

		Expect(cvm.DownloadData(ctx, history, store, cvm.DownloadOptions{UpdateOnly: true})).To(Succeed())
		Expect(store.all()).To(HaveLen(4))
	})

	It("fails when the latest date cannot be read", func() {
		store := newMemoryStore()
		store.latestErr = errors.New("connection refused")

		err := cvm.DownloadData(ctx, history, store, cvm.DownloadOptions{UpdateOnly: true})
		Expect(err).To(MatchError("connection refused"))
	})
})

var _ = Describe("QueryData", func() {
	var (
		store *memoryStore
	)

	BeforeEach(func() {
		store = newMemoryStore()
		records, err := cvm.Parse(context.Background(), monthCSV(2021, time.January))
		Expect(err).To(BeNil())
		_, err = store.Upsert(context.Background(), records)
		Expect(err).To(BeNil())
	})

	It("returns records sorted by date", func() {
		records, err := cvm.QueryData(context.Background(), store, nil, time.Time{}, time.Time{})
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(4))
		Expect(isSorted(records)).To(BeTrue())
	})

	It("filters by fund and date", func() {
		records, err := cvm.QueryData(context.Background(), store, []string{testFunds[1]}, day(2021, time.January, 2), time.Time{})
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].FundID).To(Equal(testFunds[1]))
		Expect(records[0].Date).To(Equal(day(2021, time.January, 2)))
	})

	It("rejects an end before the start", func() {
		_, err := cvm.QueryData(context.Background(), store, nil, day(2021, time.January, 2), day(2021, time.January, 1))
		Expect(errors.Is(err, cvm.ErrInvalidRange)).To(BeTrue())
	})
})
