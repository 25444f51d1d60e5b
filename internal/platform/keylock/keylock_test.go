package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	locks := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("draft-1")
			defer locks.Unlock("draft-1")
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	locks := New()
	locks.Lock("draft-1")
	defer locks.Unlock("draft-1")

	done := make(chan struct{})
	go func() {
		locks.Lock("draft-2")
		locks.Unlock("draft-2")
		close(done)
	}()
	<-done
}

func TestKeyLock_EntriesAreReclaimed(t *testing.T) {
	locks := New()
	for i := 0; i < 10; i++ {
		locks.Lock("draft-1")
		locks.Unlock("draft-1")
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.entries)
}

func TestKeyLock_UnlockWithoutLockPanics(t *testing.T) {
	locks := New()
	assert.Panics(t, func() { locks.Unlock("never-locked") })
}
