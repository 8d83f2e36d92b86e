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

package handler_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/penny-vault/import-cvm/handler"
	"github.com/penny-vault/import-cvm/router"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

type stubStore struct {
	records   []cvm.Record
	latest    time.Time
	latestErr error
	queryErr  error

	fundIDs    []string
	start, end time.Time
	calls      int
}

func (s *stubStore) Query(ctx context.Context, fundIDs []string, start, end time.Time) ([]cvm.Record, error) {
	s.calls++
	s.fundIDs = fundIDs
	s.start = start
	s.end = end
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	out := make([]cvm.Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *stubStore) LatestDate(ctx context.Context) (time.Time, error) {
	return s.latest, s.latestErr
}

func record(dt time.Time, fundID string) cvm.Record {
	return cvm.Record{
		Date:           dt,
		FundID:         fundID,
		FundType:       "FI",
		TotalPortfolio: decimal.RequireFromString("1000.5"),
		NAV:            decimal.RequireFromString("10.25"),
		TotalEquity:    decimal.RequireFromString("990"),
		Subscriptions:  decimal.Zero,
		Redemptions:    decimal.RequireFromString("5"),
		NumShareholder: 12,
	}
}

var _ = Describe("Funds", func() {
	var (
		app   *fiber.App
		store *stubStore
	)

	jan4 := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	jan5 := time.Date(2021, 1, 5, 0, 0, 0, 0, time.UTC)

	BeforeEach(func() {
		store = &stubStore{}
		app = fiber.New(fiber.Config{
			JSONEncoder: json.Marshal,
			JSONDecoder: json.Unmarshal,
		})
		router.SetupRoutes(app, handler.NewFunds(store))
	})

	get := func(target string) (int, string) {
		resp, err := app.Test(httptest.NewRequest("GET", target, nil), -1)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, string(body)
	}

	Context("ping", func() {
		It("reports the api is alive", func() {
			status, body := get("/v1/ping")
			Expect(status).To(Equal(fiber.StatusOK))

			var resp handler.PingResponse
			Expect(json.Unmarshal([]byte(body), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("success"))
			Expect(resp.Time).NotTo(BeEmpty())
		})
	})

	Context("query", func() {
		It("requires at least one filter", func() {
			status, _ := get("/v1/funds/")
			Expect(status).To(Equal(fiber.StatusBadRequest))
			Expect(store.calls).To(Equal(0))
		})

		It("passes parsed filters to the store", func() {
			store.records = []cvm.Record{record(jan4, "00.000.000/0001-91")}

			status, _ := get("/v1/funds/?fund=00.000.000/0001-91,%20,11.111.111/0001-11&start=2021-01-04&end=2021-01-31")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(store.fundIDs).To(Equal([]string{"00.000.000/0001-91", "11.111.111/0001-11"}))
			Expect(store.start).To(Equal(jan4))
			Expect(store.end).To(Equal(time.Date(2021, 1, 31, 0, 0, 0, 0, time.UTC)))
		})

		It("returns records sorted by date", func() {
			store.records = []cvm.Record{record(jan5, "b"), record(jan4, "b"), record(jan4, "a")}

			status, body := get("/v1/funds/?start=2021-01-01")
			Expect(status).To(Equal(fiber.StatusOK))

			var records []cvm.Record
			Expect(json.Unmarshal([]byte(body), &records)).To(Succeed())
			Expect(records).To(HaveLen(3))
			Expect(records[0].FundID).To(Equal("a"))
			Expect(records[1].FundID).To(Equal("b"))
			Expect(records[2].Date.Equal(jan5)).To(BeTrue())
			Expect(records[0].NAV.Equal(decimal.RequireFromString("10.25"))).To(BeTrue())
		})

		It("encodes csv on request", func() {
			store.records = []cvm.Record{record(jan4, "a")}

			status, body := get("/v1/funds/?fund=a&format=csv")
			Expect(status).To(Equal(fiber.StatusOK))

			lines := strings.Split(strings.TrimSpace(body), "\n")
			Expect(lines).To(HaveLen(2))
			Expect(lines[0]).To(HavePrefix("date;fund_id"))
			Expect(lines[1]).To(HavePrefix("2021-01-04;a;FI"))
		})

		DescribeTable("rejects bad parameters",
			func(target string) {
				status, _ := get(target)
				Expect(status).To(Equal(fiber.StatusBadRequest))
				Expect(store.calls).To(Equal(0))
			},
			Entry("malformed start", "/v1/funds/?start=04/01/2021"),
			Entry("malformed end", "/v1/funds/?end=2021-13-01"),
			Entry("end before start", "/v1/funds/?start=2021-02-01&end=2021-01-01"),
		)

		It("hides store failures", func() {
			store.queryErr = errors.New("connection reset")

			status, body := get("/v1/funds/?fund=a")
			Expect(status).To(Equal(fiber.StatusInternalServerError))
			Expect(body).NotTo(ContainSubstring("connection reset"))
		})
	})

	Context("latest", func() {
		It("returns the most recent date", func() {
			store.latest = jan5

			status, body := get("/v1/funds/latest")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(body).To(MatchJSON(`{"date": "2021-01-05"}`))
		})

		It("reports the next scheduled update", func() {
			store.latest = jan5
			schedule, err := cron.ParseStandard("0 22 * * 1-5")
			Expect(err).To(BeNil())

			// 2021-01-08 is a Friday
			now := time.Date(2021, 1, 8, 23, 0, 0, 0, time.UTC)
			app = fiber.New()
			router.SetupRoutes(app, handler.NewFunds(store,
				handler.WithSchedule(schedule, time.UTC),
				handler.WithClock(func() time.Time { return now })))

			status, body := get("/v1/funds/latest")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(body).To(MatchJSON(`{"date": "2021-01-05", "next_update": "2021-01-11T22:00:00Z"}`))
		})

		It("is not found on an empty store", func() {
			store.latestErr = cvm.ErrNoData

			status, _ := get("/v1/funds/latest")
			Expect(status).To(Equal(fiber.StatusNotFound))
		})
	})
})
