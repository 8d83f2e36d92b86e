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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/penny-vault/import-cvm/cvm"
)

var _ = Describe("Parse", func() {
	var (
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("maps upstream columns to the canonical schema", func() {
		records, err := cvm.Parse(ctx, monthCSV(2021, time.March))
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(4))

		rec := records[1]
		Expect(rec.Date).To(Equal(day(2021, time.March, 1)))
		Expect(rec.FundID).To(Equal("00.068.305/0001-35"))
		Expect(rec.FundType).To(Equal("FI"))
		Expect(rec.TotalPortfolio.Equal(decimal.RequireFromString("1001.25"))).To(BeTrue())
		Expect(rec.NAV.Equal(decimal.RequireFromString("11.123456789012"))).To(BeTrue())
		Expect(rec.TotalEquity.Equal(decimal.RequireFromString("901.5"))).To(BeTrue())
		Expect(rec.Subscriptions.IsZero()).To(BeTrue())
		Expect(rec.Redemptions.Equal(decimal.RequireFromString("1.10"))).To(BeTrue())
		Expect(rec.NumShareholder).To(Equal(int64(101)))
	})

	It("accepts the fund class headers", func() {
		payload := []byte("TP_FUNDO_CLASSE;CNPJ_FUNDO_CLASSE;ID_SUBCLASSE;DT_COMPTC;VL_QUOTA\n" +
			"CLASSES - FIF;00.017.024/0001-53;;2024-01-02;27.5765\n")

		records, err := cvm.Parse(ctx, payload)
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].FundType).To(Equal("CLASSES - FIF"))
		Expect(records[0].FundID).To(Equal("00.017.024/0001-53"))
		Expect(records[0].NAV.Equal(decimal.RequireFromString("27.5765"))).To(BeTrue())
	})

	It("drops unknown columns and tolerates missing ones", func() {
		payload := []byte("CNPJ_FUNDO;DT_COMPTC;DENOM_SOCIAL;VL_QUOTA\n" +
			"00.017.024/0001-53;2018-05-02;FUNDO X;1.5\n")

		records, err := cvm.Parse(ctx, payload)
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].FundType).To(BeEmpty())
		Expect(records[0].TotalPortfolio.IsZero()).To(BeTrue())
		Expect(records[0].NumShareholder).To(Equal(int64(0)))
	})

	It("reads Latin-1 payloads", func() {
		latin1, err := charmap.ISO8859_1.NewEncoder().String("CNPJ_FUNDO;DT_COMPTC;DENOM_SOCIAL;VL_QUOTA\n" +
			"00.017.024/0001-53;2010-03-01;FUNDO DE INVESTIMENTO EM AÇÕES;2.25\n")
		Expect(err).To(BeNil())

		records, err := cvm.Parse(ctx, []byte(latin1))
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Date).To(Equal(day(2010, time.March, 1)))
	})

	It("sorts records by date", func() {
		payload := []byte("CNPJ_FUNDO;DT_COMPTC\n" +
			"A;2018-05-03\n" +
			"B;2018-05-01\n" +
			"C;2018-05-02\n")

		records, err := cvm.Parse(ctx, payload)
		Expect(err).To(BeNil())
		Expect([]string{records[0].FundID, records[1].FundID, records[2].FundID}).To(Equal([]string{"B", "C", "A"}))
	})

	It("returns no records for a header without rows", func() {
		records, err := cvm.Parse(ctx, []byte(upstreamHead+"\n"))
		Expect(err).To(BeNil())
		Expect(records).To(BeEmpty())
	})

	DescribeTable("rejects structurally invalid payloads", func(payload string) {
		_, err := cvm.Parse(ctx, []byte(payload))
		Expect(errors.Is(err, cvm.ErrParse)).To(BeTrue())
	},
		Entry("no delimiter in the header", "<html><body>Not Found</body></html>\n"),
		Entry("no date column", "CNPJ_FUNDO;VL_QUOTA\nA;1.0\n"),
		Entry("wrong number of fields", "CNPJ_FUNDO;DT_COMPTC;VL_QUOTA\nA;2018-05-02;1.0;2.0;3.0\n"),
	)

	DescribeTable("zeroes invalid values and keeps the row", func(payload string, check func(cvm.Record)) {
		records, err := cvm.Parse(ctx, []byte(payload))
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(2))
		Expect(records[0].FundID).To(Equal("A"))
		Expect(records[0].Date).To(Equal(day(2018, time.May, 2)))
		check(records[0])
		Expect(records[1].NAV.Equal(decimal.RequireFromString("2.5"))).To(BeTrue())
	},
		Entry("non numeric value", "CNPJ_FUNDO;DT_COMPTC;VL_QUOTA\nA;2018-05-02;abc\nB;2018-05-02;2.5\n",
			func(rec cvm.Record) { Expect(rec.NAV.IsZero()).To(BeTrue()) }),
		Entry("fractional shareholder count", "CNPJ_FUNDO;DT_COMPTC;VL_QUOTA;NR_COTST\nA;2018-05-02;1.5;3.7\nB;2018-05-02;2.5;4\n",
			func(rec cvm.Record) {
				Expect(rec.NumShareholder).To(Equal(int64(0)))
				Expect(rec.NAV.Equal(decimal.RequireFromString("1.5"))).To(BeTrue())
			}),
	)

	It("reads an integral shareholder count written as a decimal", func() {
		records, err := cvm.Parse(ctx, []byte("CNPJ_FUNDO;DT_COMPTC;NR_COTST\nA;2018-05-02;3.0\n"))
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].NumShareholder).To(Equal(int64(3)))
	})

	DescribeTable("skips rows without a valid date", func(payload string) {
		records, err := cvm.Parse(ctx, []byte(payload))
		Expect(err).To(BeNil())
		Expect(records).To(HaveLen(1))
		Expect(records[0].FundID).To(Equal("B"))
	},
		Entry("blank date", "CNPJ_FUNDO;DT_COMPTC\nA;\nB;2018-05-02\n"),
		Entry("unparseable date", "CNPJ_FUNDO;DT_COMPTC\nA;02/05/2018\nB;2018-05-02\n"),
	)
})

var _ = Describe("Encode", func() {
	It("round trips through Parse", func() {
		records := []cvm.Record{
			{
				Date:           day(2017, time.March, 1),
				FundID:         "00.017.024/0001-53",
				FundType:       "FI",
				TotalPortfolio: decimal.RequireFromString("1132770.12"),
				NAV:            decimal.RequireFromString("27.576512345678"),
				TotalEquity:    decimal.RequireFromString("1130914.76"),
				Subscriptions:  decimal.RequireFromString("0"),
				Redemptions:    decimal.RequireFromString("3500.25"),
				NumShareholder: 178,
			},
			{
				Date:           day(2017, time.March, 2),
				FundID:         "00.068.305/0001-35",
				FundType:       "FIC FI",
				TotalPortfolio: decimal.RequireFromString("-10.5"),
				NAV:            decimal.RequireFromString("4.1356"),
				NumShareholder: 1,
			},
		}

		var buf bytes.Buffer
		Expect(cvm.Encode(&buf, records)).To(Succeed())

		parsed, err := cvm.Parse(context.Background(), buf.Bytes())
		Expect(err).To(BeNil())
		expectSameRecords(parsed, records)
	})
})
