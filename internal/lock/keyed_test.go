package lock

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ord_1")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most 1 holder, saw %d", maxSeen)
	}
	if k.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", k.Len())
	}
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
}
