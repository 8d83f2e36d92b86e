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
	"runtime"
	"sync"
)

type taskFunc func(context.Context, FetchTask) MonthResult

// workerPool runs fetch tasks on a fixed number of goroutines. A failing task does not
// cancel its siblings; once ctx is done the remaining queued tasks are reported with the
// context error instead of being run.
type workerPool struct {
	size int
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &workerPool{size: size}
}

// run queues tasks in order and returns a channel that yields exactly one result per task.
// The channel is closed after the last result.
func (pool *workerPool) run(ctx context.Context, tasks []FetchTask, fn taskFunc) <-chan MonthResult {
	queue := make(chan FetchTask, len(tasks))
	for _, task := range tasks {
		queue <- task
	}
	close(queue)

	workers := pool.size
	if workers > len(tasks) {
		workers = len(tasks)
	}

	results := make(chan MonthResult, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for ii := 0; ii < workers; ii++ {
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := ctx.Err(); err != nil {
					results <- MonthResult{Task: task, Err: err}
					continue
				}
				results <- fn(ctx, task)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}
