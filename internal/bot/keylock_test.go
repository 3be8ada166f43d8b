package bot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("BTCUSDT:long")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("concurrent holders = %d, want 1", maxInside)
	}
	if km.Len() != 0 {
		t.Errorf("entries left = %d, want 0", km.Len())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("BTCUSDT:long")
	defer unlock()

	done := make(chan struct{})
	go func() {
		km.Lock("BTCUSDT:short")()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()

	unlock, ok := km.TryLock("ETHUSDT:long")
	if !ok {
		t.Fatal("TryLock on free key failed")
	}
	if _, ok := km.TryLock("ETHUSDT:long"); ok {
		t.Fatal("TryLock on held key succeeded")
	}

	unlock()
	unlock() // повторное освобождение безопасно
	if km.Len() != 0 {
		t.Errorf("entries left = %d, want 0", km.Len())
	}

	again, ok := km.TryLock("ETHUSDT:long")
	if !ok {
		t.Fatal("TryLock after release failed")
	}
	again()
}
