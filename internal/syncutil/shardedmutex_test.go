package syncutil

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var counter int64

	const goroutines = 50
	const increments = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				unlock := m.Lock("acct:alice@example.com")
				v := atomic.LoadInt64(&counter)
				atomic.StoreInt64(&counter, v+1)
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*increments {
		t.Errorf("counter = %d, want %d", counter, goroutines*increments)
	}
}

func TestUnlockReleasesShard(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("org_acme")
	unlock()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("org_acme")
		unlock()
		close(done)
	}()
	<-done
}
