package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_Order(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("deep", 3)
	pq.Enqueue("root", 0)
	pq.Enqueue("a", 1)
	pq.Enqueue("b", 1)

	assert.Equal(t, 4, pq.Len())
	assert.Equal(t, []string{"root", "a", "b", "deep"}, pq.DequeueAll())

	_, ok := pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_Concurrent(t *testing.T) {
	pq := NewPriorityQueue[int]()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				pq.Enqueue(w*100+i, i%5)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, pq.Len())

	seen := make(map[int]bool)
	var mu sync.Mutex
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := pq.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
