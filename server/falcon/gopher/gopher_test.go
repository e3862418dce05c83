package gopher

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializedWorkKeepsOrder(t *testing.T) {
	g := NewGopher(4)
	defer g.Close()

	var mu sync.Mutex
	var order []int
	var works []*Work
	for i := 0; i < 50; i++ {
		i := i
		works = append(works, g.Submit("ordered", true, func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, w := range works {
		require.NoError(t, w.Wait())
	}
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestSharedWorkRunsConcurrently(t *testing.T) {
	g := NewGopher(4)
	defer g.Close()

	var active int32
	var peak int32
	release := make(chan struct{})
	var works []*Work
	for i := 0; i < 4; i++ {
		works = append(works, g.Submit("shared", false, func() error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		}))
	}

	var sawShared int32 = -1
	exclusive := g.Submit("exclusive", true, func() error {
		atomic.StoreInt32(&sawShared, atomic.LoadInt32(&active))
		return nil
	})

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&peak) == 4 }, 5*time.Second, time.Millisecond)
	select {
	case <-exclusive.Done():
		t.Fatal("serialized work ran beside shared work")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	for _, w := range works {
		require.NoError(t, w.Wait())
	}
	require.NoError(t, exclusive.Wait())
	assert.Equal(t, int32(0), sawShared)
}

func TestWorkErrorsAndClose(t *testing.T) {
	g := NewGopher(2)
	boom := errors.New("boom")
	w := g.Submit("failing", false, func() error { return boom })
	assert.Equal(t, boom, w.Wait())

	var ran int32
	for i := 0; i < 10; i++ {
		g.Submit("queued", i%3 == 0, func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	g.Close()
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
	assert.Equal(t, 0, g.Pending())

	// 关闭后同步执行
	w = g.Submit("late", false, func() error { return nil })
	assert.NoError(t, w.Wait())

	submitted, completed, failed := g.Stats()
	assert.Equal(t, uint64(12), submitted)
	assert.Equal(t, uint64(11), completed)
	assert.Equal(t, uint64(1), failed)
}
