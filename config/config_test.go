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

package config_test

import (
	"bytes"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/penny-vault/import-cvm/config"
)

func readTOML(doc string) *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("toml")
	Expect(v.ReadConfig(strings.NewReader(doc))).To(Succeed())
	return v
}

var _ = Describe("Config", func() {
	Context("with no configuration file", func() {
		It("uses the documented defaults", func() {
			v := viper.New()
			config.SetDefaults(v)

			conf, err := config.Load(v)
			Expect(err).To(BeNil())
			Expect(conf.CVM.BaseURL).To(Equal(config.DefaultEndpoint))
			Expect(conf.CVM.Timeout).To(Equal(30 * time.Second))
			Expect(conf.CVM.Workers).To(Equal(0))
			Expect(conf.CVM.MemoryWarningMonths).To(Equal(24))
			Expect(conf.Database.Host).To(Equal("localhost"))
			Expect(conf.Database.Port).To(Equal(5432))
			Expect(conf.Database.ConnectTimeout).To(Equal(2500 * time.Millisecond))
			Expect(conf.Database.RetryWrites).To(BeTrue())
			Expect(conf.Database.BatchSize).To(Equal(1000))
			Expect(conf.Cache.TTL).To(Equal(7 * 24 * time.Hour))
			Expect(conf.Log.Level).To(Equal("warning"))
			Expect(conf.Schedule.Update).To(Equal("0 22 * * 1-5"))
		})
	})

	Context("with a configuration file", func() {
		It("overrides the defaults", func() {
			v := readTOML(`
[cvm]
timeout = "5s"
workers = 4

[database]
url = "postgres://localhost/cvm"
batch_size = 50
`)
			conf, err := config.Load(v)
			Expect(err).To(BeNil())
			Expect(conf.CVM.Timeout).To(Equal(5 * time.Second))
			Expect(conf.CVM.Workers).To(Equal(4))
			Expect(conf.Database.BatchSize).To(Equal(50))
			Expect(conf.Database.DSN()).To(Equal("postgres://localhost/cvm"))
			Expect(conf.Database.Host).To(Equal("localhost"))
		})

		It("rejects unknown keys", func() {
			v := readTOML(`
[cvm]
endpoint = "http://example.com"
`)
			_, err := config.Load(v)
			Expect(errors.Is(err, config.ErrInvalidConfig)).To(BeTrue())
		})

		DescribeTable("rejects invalid values", func(doc string) {
			_, err := config.Load(readTOML(doc))
			Expect(errors.Is(err, config.ErrInvalidConfig)).To(BeTrue())
		},
			Entry("zero batch size", "[database]\nbatch_size = 0\n"),
			Entry("malformed redis url", "[cache]\nenabled = true\nredis = true\nredis_url = \"localhost:6379\"\n"),
			Entry("missing redis url", "[cache]\nenabled = true\nredis = true\n"),
			Entry("malformed schedule", "[schedule]\nupdate = \"every weekday\"\n"),
		)

		It("ignores the redis url when the cache is disabled", func() {
			_, err := config.Load(readTOML("[cache]\nredis = true\nredis_url = \"localhost:6379\"\n"))
			Expect(err).To(BeNil())
		})
	})

	Context("when building a connection string", func() {
		It("assembles it from the individual fields", func() {
			db := config.Default().Database
			db.Username = "cvm"
			db.Password = "secret"
			Expect(db.DSN()).To(Equal("host=localhost port=5432 dbname=bzfunds user=cvm password=secret"))
		})
	})

	Context("when writing the defaults", func() {
		It("produces a file that loads back to the same values", func() {
			var buf bytes.Buffer
			Expect(config.Default().Write(&buf)).To(Succeed())

			conf, err := config.Load(readTOML(buf.String()))
			Expect(err).To(BeNil())
			Expect(conf.CVM).To(Equal(config.Default().CVM))
			Expect(conf.Database).To(Equal(config.Default().Database))
			Expect(conf.Cache).To(Equal(config.Default().Cache))
			Expect(conf.Log).To(Equal(config.Default().Log))
		})
	})
})
