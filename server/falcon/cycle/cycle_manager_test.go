package cycle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimWaitsForReaders(t *testing.T) {
	m := NewManager(time.Second)

	reader := m.LockCycle()
	var freed int32
	m.Release(ReclaimFunc(func() { atomic.StoreInt32(&freed, 1) }))

	ticked := make(chan struct{})
	go func() {
		m.Cycle()
		close(ticked)
	}()

	select {
	case <-ticked:
		t.Fatal("tick finished while a reader holds the previous clock")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&freed))

	reader.Unlock()
	<-ticked
	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
	assert.Equal(t, uint64(1), m.Epoch())
}

func TestReaderOnNewClockDoesNotBlockTick(t *testing.T) {
	m := NewManager(time.Second)
	m.Cycle()

	// entered after the swap, so it holds the other clock
	reader := m.LockCycle()
	defer reader.Unlock()

	var freed int32
	m.Release(ReclaimFunc(func() { atomic.AddInt32(&freed, 1) }))
	done := make(chan struct{})
	go func() {
		m.Cycle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick blocked on a clock nobody holds")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
}

func TestUnlockRelock(t *testing.T) {
	m := NewManager(time.Second)
	l := m.LockCycle()
	l.Unlock()
	l.Unlock()
	m.Cycle()
	l.Relock()
	assert.True(t, l.locked)
	assert.Same(t, m.clocks[1], l.clock)
	l.Unlock()
}

func TestRelockAfterSwap(t *testing.T) {
	m := NewManager(time.Second)
	var once sync.Once
	m.picked = func() { once.Do(m.Cycle) }

	reader := m.LockCycle()
	m.picked = nil
	assert.Same(t, m.clocks[atomic.LoadInt32(&m.current)], reader.clock, "hold must be on the current clock")

	var freed int32
	m.Release(ReclaimFunc(func() { atomic.StoreInt32(&freed, 1) }))
	ticked := make(chan struct{})
	go func() {
		m.Cycle()
		close(ticked)
	}()
	select {
	case <-ticked:
		t.Fatal("tick reclaimed while the reader still holds its clock")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&freed))

	reader.Unlock()
	<-ticked
	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
}

func TestBackgroundTicks(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Start()

	var freed int32
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l := m.LockCycle()
				m.Release(ReclaimFunc(func() { atomic.AddInt32(&freed, 1) }))
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return m.Epoch() >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, int32(200), atomic.LoadInt32(&freed))
	stats := m.Stats()
	assert.Equal(t, stats.Queued, stats.Freed)
}
