/*
Copyright 2024 The go-amqp-cbs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workqueue serializes work items across goroutines without holding
// a lock across the body of a work item.
//
// A producer appends its item then increments a shared counter. Whichever
// producer observes the counter transition from zero to non-zero becomes the
// drainer: it dequeues and executes items, one at a time, until the counter
// returns to zero. Other producers never block on the drainer; they hand
// their item off and return immediately.
package workqueue

import (
	"sync"
	"sync/atomic"
)

// Func is a unit of work. It must be total: Queue never retries a Func, and
// any panic recovered from a Func is dropped rather than propagated to the
// drainer's caller.
type Func func()

// Queue is a lock-free-handoff FIFO of Funcs. The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	items   []Func
	pending atomic.Int64
}

// Enqueue appends fn to the queue. If the caller is the first to observe the
// queue transition from empty to non-empty, it drains the queue inline,
// executing fn and every item enqueued (including by other goroutines, and
// including by fn itself) before returning. Otherwise it returns immediately;
// the item will be executed by whichever goroutine is already draining.
func (q *Queue) Enqueue(fn Func) {
	q.push(fn)
	if q.pending.Add(1) == 1 {
		q.drain()
	}
}

func (q *Queue) push(fn Func) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
}

func (q *Queue) pop() (Func, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

// drain runs items until the pending counter reaches zero. It never holds
// q.mu while executing a work body, so Funcs are free to call Enqueue again
// (including on q itself) without deadlocking.
func (q *Queue) drain() {
	for {
		executed := int64(0)
		for {
			fn, ok := q.pop()
			if !ok {
				break
			}
			runProtected(fn)
			executed++
		}
		if q.pending.Add(-executed) == 0 {
			return
		}
		// Another producer raced an Enqueue between the last pop and the
		// subtract above; loop and keep draining.
	}
}

func runProtected(fn Func) {
	defer func() {
		// Work bodies are total by contract; a panic here is dropped so a
		// single bad item can never wedge the drainer for everyone else.
		_ = recover()
	}()
	fn()
}

// Len reports the number of items not yet executed. Intended for tests and
// diagnostics only — by the time it returns, the real count may have already
// changed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
