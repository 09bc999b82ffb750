package keylock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venicedb/venice-ingest/internal/keylock"
)

func TestManager_AcquireManySerializesOverlappingBatches(t *testing.T) {
	m := keylock.New()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)

	enter := func() {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		running--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := m.AcquireMany([][]byte{[]byte("k1"), []byte("k2")})
			enter()
			time.Sleep(time.Millisecond)
			leave()
			m.Release(h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "overlapping key sets must serialize")
}

func TestManager_DisjointKeysRunConcurrently(t *testing.T) {
	m := keylock.New()

	var wg sync.WaitGroup
	var concurrent int32
	var maxConcurrent int32

	run := func(key string) {
		defer wg.Done()
		h := m.AcquireMany([][]byte{[]byte(key)})
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		m.Release(h)
	}

	wg.Add(2)
	go run("a")
	go run("b")
	wg.Wait()

	assert.EqualValues(t, 2, maxConcurrent)
}

func TestManager_DedupesKeysWithinOneAcquire(t *testing.T) {
	m := keylock.New()
	h := m.AcquireMany([][]byte{[]byte("x"), []byte("x"), []byte("y")})
	require.NotNil(t, h)
	// if dedup didn't happen, AcquireMany would block forever locking "x" a
	// second time; returning at all is the assertion.
	m.Release(h)
}

func TestManager_AcquireOneReleaseOne(t *testing.T) {
	m := keylock.New()
	done := make(chan struct{})

	m.AcquireOne([]byte("k"))
	go func() {
		m.AcquireOne([]byte("k"))
		close(done)
		m.ReleaseOne([]byte("k"))
	}()

	select {
	case <-done:
		t.Fatal("second AcquireOne should have blocked until ReleaseOne")
	case <-time.After(20 * time.Millisecond):
	}

	m.ReleaseOne([]byte("k"))
	<-done
}
