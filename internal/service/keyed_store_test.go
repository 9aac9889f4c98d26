package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, int]()

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", 1))
	v, ok, _ := s.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_UpdateErrorLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, int]()

	_, err := s.Update(ctx, "a", func(int, bool) (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Set(ctx, "b", 5))
	_, err = s.Update(ctx, "b", func(int, bool) (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	v, ok, _ := s.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestMemoryStore_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Update(ctx, "k", func(cur int, _ bool) (int, error) { return cur + 1, nil })
			}
		}()
	}
	wg.Wait()

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, 5000, v)
}

func TestMemoryStore_SweepRacesUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, int]()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _ = s.Update(ctx, "k", func(cur int, _ bool) (int, error) { return cur + 1, nil })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = s.Sweep(ctx, func(string, int) bool { return true })
		}
	}()
	wg.Wait()

	// 清理后重新写入的条目仍可读写
	_, err := s.Update(ctx, "k", func(cur int, _ bool) (int, error) { return cur + 1, nil })
	require.NoError(t, err)
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore[string, int]()
	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Set(ctx, k, i))
	}

	n, err := s.Sweep(ctx, func(_ string, v int) bool { return v%2 == 0 })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"b", "d"}, s.Keys())
}
