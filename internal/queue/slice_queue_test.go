package queue

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	id   string
	keep bool
}

func TestSliceQueue(t *testing.T) {
	assert := assert.New(t)
	t.Run("Empty Queue", func(t *testing.T) {
		q := NewSliceQueue[*item](1)

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())
		_, ok := q.Dequeue()
		assert.False(ok)
		_, ok = q.Peek()
		assert.False(ok)
	})

	t.Run("Enqueue and Dequeue", func(t *testing.T) {
		q := NewSliceQueue[*item](1)

		item1 := &item{id: "1"}
		q.Enqueue(item1)
		assert.False(q.IsEmpty())
		assert.Equal(1, q.Length())

		item2 := &item{id: "2"}
		q.Enqueue(item2)
		assert.Equal(2, q.Length())

		got, ok := q.Dequeue()
		assert.True(ok)
		assert.Same(item1, got)
		assert.Equal(1, q.Length())

		got, ok = q.Peek()
		assert.True(ok)
		assert.Same(item2, got)

		got, _ = q.Dequeue()
		assert.Same(item2, got)
		assert.True(q.IsEmpty())
	})

	t.Run("Reuse after partial dequeue", func(t *testing.T) {
		q := NewSliceQueue[int](4)
		for i := 0; i < 100; i++ {
			q.Enqueue(i)
			if i%2 == 1 {
				q.Dequeue()
			}
		}
		assert.Equal(50, q.Length())

		first, _ := q.Peek()
		assert.Equal(50, first)

		var got []int
		q.Range(func(v int) bool {
			got = append(got, v)
			return true
		})
		assert.Len(got, 50)
		assert.Equal(99, got[49])
	})

	t.Run("RemoveFunc", func(t *testing.T) {
		q := NewSliceQueue[*item](4)
		for i := 0; i < 6; i++ {
			q.Enqueue(&item{id: strconv.Itoa(i), keep: i%3 != 0})
		}
		q.Dequeue()

		removed := q.RemoveFunc(func(it *item) bool { return !it.keep })
		assert.Equal(1, removed)
		assert.Equal(4, q.Length())

		var ids []string
		q.Range(func(it *item) bool {
			ids = append(ids, it.id)
			return len(ids) < 3
		})
		assert.Equal([]string{"1", "2", "4"}, ids)

		assert.Equal(4, q.RemoveFunc(func(*item) bool { return true }))
		assert.True(q.IsEmpty())
	})

	t.Run("Reset", func(t *testing.T) {
		q := NewSliceQueue[int](2)
		q.Enqueue(1)
		q.Enqueue(2)
		q.Dequeue()
		q.Reset()
		assert.True(q.IsEmpty())
		q.Enqueue(3)
		v, _ := q.Dequeue()
		assert.Equal(3, v)
	})

	t.Run("Concurrency", func(t *testing.T) {
		var mu sync.Mutex
		q := NewSliceQueue[*item](1)

		var wg sync.WaitGroup
		for i := 0; i < 1000; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mu.Lock()
				q.Enqueue(&item{id: strconv.Itoa(i)})
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		assert.Equal(1000, q.Length())

		wg.Add(1000)
		for i := 0; i < 1000; i++ {
			go func() {
				defer wg.Done()
				mu.Lock()
				q.Dequeue()
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.True(q.IsEmpty())
	})
}

func BenchmarkSliceQueue(b *testing.B) {
	q := NewSliceQueue[int](64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Enqueue(i)
		if q.Length() > 32 {
			q.Dequeue()
		}
	}
}
