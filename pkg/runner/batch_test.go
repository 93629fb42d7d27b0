package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunParallelCollectsEveryResult(t *testing.T) {
	items := []int{1, 2, 3, 4}
	var failed, ok int
	for r := range RunParallel(items, 2, func(i int) error {
		if i%2 == 0 {
			return errors.New("even")
		}
		return nil
	}) {
		if r.Error != nil {
			failed++
		} else {
			ok++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, ok)
}

func TestRunAllStopsOnFirstError(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	err := RunAll(context.Background(), []int{1, 2, 3, 4, 5}, 1, func(ctx context.Context, i int) error {
		calls.Add(1)
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Less(t, calls.Load(), int32(5))
}

func TestRunAllSuccess(t *testing.T) {
	var sum atomic.Int32
	err := RunAll(context.Background(), []int{1, 2, 3}, 0, func(ctx context.Context, i int) error {
		sum.Add(int32(i))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(6), sum.Load())
}
