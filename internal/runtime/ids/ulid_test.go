package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDIsOrdered(t *testing.T) {
	prev := CreateULID()
	for i := 0; i < 100; i++ {
		next := CreateULID()
		require.Len(t, next, 26)
		require.Less(t, prev, next)
		prev = next
	}
}

func TestCreateULIDConcurrent(t *testing.T) {
	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		seen = map[string]struct{}{}
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := CreateULID()
				lock.Lock()
				seen[id] = struct{}{}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}

func TestTimestamp(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	ts, err := Timestamp(CreateULID())
	require.NoError(t, err)
	assert.True(t, fixed.Equal(ts))

	_, err = Timestamp("not-a-ulid")
	assert.Error(t, err)
}
