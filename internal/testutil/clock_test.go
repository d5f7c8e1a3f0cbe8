package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_Advances(t *testing.T) {
	clock := NewStepClock()

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, int64(2), clock.Calls())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClockAt(Epoch, time.Minute)
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_Concurrent(t *testing.T) {
	clock := NewStepClock()
	const n = 50

	seen := make(chan time.Time, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- clock.Now()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	require.Len(t, unique, n)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestOpenStore(t *testing.T) {
	s := OpenStore(t)
	require.NotNil(t, s)
	require.NoError(t, s.DB().Ping())
}
