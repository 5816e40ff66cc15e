package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitPreservesPerHashOrder(t *testing.T) {
	p := New(4)
	defer p.Close()

	const hash = uint64(42)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		i := i
		p.Submit("write", hash, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSameHashAlwaysSameWorker(t *testing.T) {
	p := New(8)
	defer p.Close()
	require.Equal(t, p.WorkerIndex(17), p.WorkerIndex(17))
}
