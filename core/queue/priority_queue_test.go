// priority_queue_test.go - Tests for priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[string]()
	q.Enqueue(3, "three")
	q.Enqueue(1, "one")
	q.Enqueue(4, "four")
	q.Enqueue(2, "two")
	require.Equal(4, q.Len())

	require.Equal(uint64(1), q.Peek().Priority)
	require.Equal("one", q.Pop().Value)

	below := q.PopBelow(4)
	require.Len(below, 2)
	require.Equal("two", below[0].Value)
	require.Equal("three", below[1].Value)

	require.Equal("four", q.Pop().Value)
	require.Equal(0, q.Len())
	require.Nil(q.Peek())
	require.Nil(q.Pop())
}

func TestExpiringSet(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	s := NewExpiringSet[string](time.Hour, clock)
	s.Add("a")
	require.True(s.Contains("a"))
	require.False(s.Contains("b"))

	now = now.Add(30 * time.Minute)
	s.Add("b")
	require.Equal(2, s.Len())

	now = now.Add(31 * time.Minute)
	require.False(s.Contains("a"))
	require.True(s.Contains("b"))

	// Re-adding extends the deadline past the stale queue entry.
	s.Add("b")
	now = now.Add(45 * time.Minute)
	require.True(s.Contains("b"))

	now = now.Add(time.Hour)
	require.Equal(0, s.Len())
}
