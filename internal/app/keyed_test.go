package app

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var a, b int
	counters := map[string]*int{"a": &a, "b": &b}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			*counters[key]++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, a)
	assert.Equal(t, 100, b)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutexUnlockIsIdempotent(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	assert.Equal(t, 1, k.Len())
	unlock()
	unlock()
	assert.Equal(t, 0, k.Len())

	again := k.Lock("a")
	again()
}

func TestKeyedMutexLockAllOverlappingSets(t *testing.T) {
	k := NewKeyedMutex()
	shared := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		keys := []string{"x", "y", "x"}
		if i%2 == 1 {
			keys = []string{"y", "x"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.LockAll(keys...)
			defer unlock()
			shared++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, shared)
	assert.Equal(t, 0, k.Len())
}
