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

package common

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compress frames in with lz4 using the fast level and a content checksum
func Compress(in []byte) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, len(in)))
	zw := lz4.NewWriter(out)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast), lz4.ChecksumOption(true)); err != nil {
		return nil, err
	}

	if _, err := zw.Write(in); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return out.Bytes(), nil
}

func Decompress(in []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := io.Copy(&out, lz4.NewReader(bytes.NewReader(in))); err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out.Bytes(), nil
}
