// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue and a deadline keyed set built
// on top of it.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
}

// PriorityQueue is a min priority queue.  It is not safe for concurrent
// use.
type PriorityQueue[T any] struct {
	heap entries[T]
}

type entries[T any] []*Entry[T]

func (h entries[T]) Len() int           { return len(h) }
func (h entries[T]) Less(i, j int) bool { return h[i].Priority < h[j].Priority }
func (h entries[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entries[T]) Push(x any) {
	*h = append(*h, x.(*Entry[T]))
}

func (h *entries[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(&q.heap, &Entry[T]{Value: value, Priority: priority})
}

// Peek returns the entry with the lowest priority if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the entry with the lowest priority if any.
func (q *PriorityQueue[T]) Pop() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry[T])
}

// PopBelow removes and returns every entry with a priority strictly lower
// than bound, in ascending order.
func (q *PriorityQueue[T]) PopBelow(bound uint64) []*Entry[T] {
	var out []*Entry[T]
	for e := q.Peek(); e != nil && e.Priority < bound; e = q.Peek() {
		out = append(out, q.Pop())
	}
	return out
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{heap: make(entries[T], 0)}
}
