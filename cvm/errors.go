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
	"errors"
	"fmt"
)

var (
	ErrInvalidRange    = errors.New("invalid date range")
	ErrRetrieval       = errors.New("retrieval failed")
	ErrParse           = errors.New("could not parse payload")
	ErrStorageConflict = errors.New("storage conflict")
	ErrNoData          = errors.New("no data available")
	ErrMissingStart    = errors.New("must provide a start year or request an update")
)

// RetrievalError is returned when a locator could not be downloaded or unpacked
type RetrievalError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RetrievalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s returned invalid status code: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s failed: %v", e.URL, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	if e.Err == nil {
		return ErrRetrieval
	}
	return e.Err
}

func (e *RetrievalError) Is(target error) bool {
	return target == ErrRetrieval
}

// ParseError is returned when a payload is structurally invalid
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("could not parse %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("could not parse payload: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// StorageConflictError reports a record the store refused to write
type StorageConflictError struct {
	Key Key
	Err error
}

func (e *StorageConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Key, e.Err)
}

func (e *StorageConflictError) Unwrap() error {
	return e.Err
}

func (e *StorageConflictError) Is(target error) bool {
	return target == ErrStorageConflict
}
