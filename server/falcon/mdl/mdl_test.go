package mdl

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
)

func acquireShared(t *testing.T, c *Context, req *Request) {
	for {
		retry, err := c.AcquireShared(req)
		require.NoError(t, err)
		if !retry {
			return
		}
		c.ReleaseAll()
		require.NoError(t, c.WaitForLocks())
	}
}

func TestUpgradeUnderContention(t *testing.T) {
	m := NewManager(5 * time.Second)
	key := TableKey("test", "x")
	a := m.NewContext(context.Background(), 1)
	b := m.NewContext(context.Background(), 2)
	c := m.NewContext(context.Background(), 3)

	acquireShared(t, a, NewRequest(key, Shared))
	acquireShared(t, b, NewRequest(key, SharedUpgradable))

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	upgraded := make(chan error, 1)
	go func() {
		err := b.Upgrade(key)
		record("B upgraded")
		upgraded <- err
	}()
	require.Eventually(t, func() bool {
		for _, l := range m.Lockers(key) {
			if l.State == "WAITING_UPGRADE" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	retry, err := c.AcquireShared(NewRequest(key, Shared))
	require.NoError(t, err)
	require.True(t, retry, "a new shared request must not overtake the upgrader")

	cDone := make(chan struct{})
	go func() {
		defer close(cDone)
		require.NoError(t, c.WaitForLocks())
		acquireShared(t, c, NewRequest(key, Shared))
		record("C acquired")
	}()

	select {
	case <-upgraded:
		t.Fatal("upgrade completed while A still holds shared")
	case <-cDone:
		t.Fatal("C acquired while the upgrade is pending")
	case <-time.After(50 * time.Millisecond):
	}

	a.ReleaseAll()
	require.NoError(t, <-upgraded)
	require.NoError(t, m.checkEntries())

	select {
	case <-cDone:
		t.Fatal("C acquired while B holds the key exclusively")
	case <-time.After(50 * time.Millisecond):
	}

	b.ReleaseAll()
	<-cDone
	assert.Equal(t, []string{"B upgraded", "C acquired"}, order)
	c.ReleaseAll()
	assert.Equal(t, 0, m.Entries())
}

func TestTryExclusive(t *testing.T) {
	m := NewManager(time.Second)
	a := m.NewContext(context.Background(), 1)
	b := m.NewContext(context.Background(), 2)

	acquireShared(t, a, NewRequest(TableKey("db", "t1"), Shared))
	before := m.Lockers(TableKey("db", "t1"))

	assert.False(t, m.TryExclusive(b, NewRequest(TableKey("db", "t1"), Exclusive)))
	assert.Equal(t, before, m.Lockers(TableKey("db", "t1")), "a failed try leaves other keys alone")

	req := NewRequest(TableKey("db", "t2"), Exclusive)
	assert.True(t, m.TryExclusive(b, req))
	assert.True(t, req.Acquired())
	assert.Equal(t, 2, m.Entries())

	t.Run("名字不区分大小写", func(t *testing.T) {
		assert.False(t, m.TryExclusive(a, NewRequest(TableKey("DB", "T2"), Exclusive)))
	})

	a.ReleaseAll()
	b.ReleaseAll()
	assert.Equal(t, 0, m.Entries())
}

func TestExclusiveTimeoutUndoes(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	key := TableKey("db", "t")
	a := m.NewContext(context.Background(), 1)
	b := m.NewContext(context.Background(), 2)

	nudged := 0
	a.Nudge = func() { nudged++ }
	acquireShared(t, a, NewRequest(key, Shared))

	req := NewRequest(key, Exclusive)
	err := b.AcquireExclusive(req)
	assert.True(t, basic.IsTimeout(err))
	assert.False(t, req.Acquired())
	assert.Equal(t, Exclusive, req.Type)
	assert.Greater(t, nudged, 0)
	assert.Len(t, m.Lockers(key), 1)
	assert.Equal(t, 0, m.global.intentionExclusive)

	// the pending exclusive is gone, so shared requests flow again
	retry, err := b.AcquireShared(NewRequest(key, Shared))
	require.NoError(t, err)
	assert.False(t, retry)
	a.ReleaseAll()
	b.ReleaseAll()
}

func TestExclusiveCancelled(t *testing.T) {
	m := NewManager(0)
	key := TableKey("db", "t")
	a := m.NewContext(context.Background(), 1)
	acquireShared(t, a, NewRequest(key, Shared))

	ctx, cancel := context.WithCancel(context.Background())
	b := m.NewContext(ctx, 2)
	done := make(chan error, 1)
	go func() { done <- b.AcquireExclusive(NewRequest(key, Exclusive)) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.True(t, basic.IsCancelled(<-done))
	assert.Len(t, m.Lockers(key), 1)
	a.ReleaseAll()
	assert.Equal(t, 0, m.Entries())
}

func TestGlobalShared(t *testing.T) {
	m := NewManager(time.Second)
	a := m.NewContext(context.Background(), 1)
	b := m.NewContext(context.Background(), 2)

	up := NewRequest(TableKey("db", "t"), SharedUpgradable)
	acquireShared(t, a, up)

	got := make(chan error, 1)
	go func() { got <- b.AcquireGlobalShared() }()
	select {
	case <-got:
		t.Fatal("global shared granted while an upgradable lock is held")
	case <-time.After(30 * time.Millisecond):
	}

	// while the global lock is wanted, no new upgradable request is granted
	c := m.NewContext(context.Background(), 3)
	retry, err := c.AcquireShared(NewRequest(TableKey("db", "u"), SharedUpgradable))
	require.NoError(t, err)
	assert.True(t, retry)

	a.ReleaseAll()
	require.NoError(t, <-got)

	err = c.AcquireExclusive(NewRequest(TableKey("db", "v"), Exclusive))
	assert.True(t, basic.IsTimeout(err))

	b.ReleaseGlobalShared()
	require.NoError(t, c.WaitForLocks())
	require.NoError(t, c.AcquireExclusive(NewRequest(TableKey("db", "v"), Exclusive)))
	c.ReleaseAll()
}

func TestCachedObject(t *testing.T) {
	m := NewManager(time.Second)
	key := TableKey("db", "t")
	a := m.NewContext(context.Background(), 1)
	b := m.NewContext(context.Background(), 2)

	var released []interface{}
	release := func(obj interface{}) { released = append(released, obj) }

	assert.Error(t, a.SetCachedObject(key, "schema-1", release), "caller must hold the key")
	require.NoError(t, a.AcquireExclusive(NewRequest(key, Exclusive)))
	require.NoError(t, a.SetCachedObject(key, "schema-1", release))
	a.Downgrade()
	acquireShared(t, b, NewRequest(key, Shared))
	assert.Equal(t, "schema-1", m.GetCachedObject(key))

	b.ReleaseAll()
	assert.Empty(t, released)
	require.NoError(t, a.Upgrade(key))
	assert.Equal(t, []interface{}{"schema-1"}, released, "exclusive acquisition fires the release callback")
	assert.Nil(t, m.GetCachedObject(key))
	a.ReleaseAll()
}

func TestNoExclusiveBesideForeignShared(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	keys := []Key{TableKey("db", "a"), TableKey("db", "b"), TableKey("db", "c")}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			c := m.NewContext(context.Background(), uint64(w))
			for {
				select {
				case <-stop:
					c.ReleaseAll()
					return
				default:
				}
				key := keys[rnd.Intn(len(keys))]
				switch rnd.Intn(3) {
				case 0:
					retry, err := c.AcquireShared(NewRequest(key, Shared))
					if err == nil && retry {
						c.ReleaseAll()
						_ = c.WaitForLocks()
					}
				case 1:
					_ = c.AcquireExclusive(NewRequest(key, Exclusive))
				case 2:
					retry, err := c.AcquireShared(NewRequest(key, SharedUpgradable))
					if err == nil && !retry {
						_ = c.Upgrade(key)
					} else if retry {
						c.ReleaseAll()
					}
				}
				if rnd.Intn(2) == 0 {
					c.ReleaseAll()
				}
			}
		}(w)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, m.checkEntries())
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, m.Entries())
	assert.Equal(t, 0, m.global.intentionExclusive)
}
