package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetLocks(t *testing.T) {
	req := require.New(t)
	locks := newTargetLocks()

	var wg sync.WaitGroup
	r1, r2 := 0, 0
	counter := map[string]*int{"R1": &r1, "R2": &r2}
	for i := 0; i < 100; i++ {
		key := "R1"
		if i%2 == 0 {
			key = "R2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(key)
			defer unlock()
			*counter[key]++
		}()
	}
	wg.Wait()

	req.Equal(50, r1)
	req.Equal(50, r2)
	// Unused keys are released
	req.Zero(locks.size())
}
