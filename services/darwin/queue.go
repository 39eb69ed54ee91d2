// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package darwin

import "sync"

// mutationQueue is an unbounded FIFO. push never blocks; ready carries at
// most one pending wake-up for the consumer.
type mutationQueue struct {
	mu    sync.Mutex
	items []*Mutation
	ready chan struct{}
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{ready: make(chan struct{}, 1)}
}

func (q *mutationQueue) push(m *Mutation) int {
	q.mu.Lock()
	q.items = append(q.items, m)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return n
}

func (q *mutationQueue) pop() (*Mutation, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, 0, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, len(q.items), true
}

func (q *mutationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
