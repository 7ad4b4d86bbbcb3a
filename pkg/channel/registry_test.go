package channel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	ch := New(DefaultConfig())

	require.True(t, r.Add(ch))
	assert.False(t, r.Add(ch), "повторная регистрация")

	got, ok := r.Get(ch.UUID())
	require.True(t, ok)
	assert.Same(t, ch, got)

	require.True(t, r.Alias("call-1@host", ch))
	assert.False(t, r.Alias("call-1@host", New(DefaultConfig())))
	got, ok = r.Lookup("call-1@host")
	require.True(t, ok)
	assert.Same(t, ch, got)

	assert.True(t, r.Remove(ch))
	_, ok = r.Get(ch.UUID())
	assert.False(t, ok)
	_, ok = r.Lookup("call-1@host")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryReaperOnDestroy(t *testing.T) {
	r := NewRegistry()
	ch := New(DefaultConfig())
	r.Add(ch)
	r.Alias("sip-call", ch)
	_, err := ch.AddStateHandler(r.ReapHandler())
	require.NoError(t, err)
	assert.Same(t, r.ReapHandler(), r.ReapHandler())

	ch.Hangup(CauseNormalClearing)
	assert.Equal(t, 1, r.Count(), "HANGUP еще не удаляет канал")

	require.NoError(t, ch.Destroy())
	assert.Equal(t, 0, r.Count())
	_, ok := r.Lookup("sip-call")
	assert.False(t, ok)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := New(DefaultConfig())
			r.Add(ch)
			r.Alias(fmt.Sprintf("alias-%d", i), ch)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.Count())
	total := 0
	for _, c := range r.ShardStats() {
		total += c
	}
	assert.Equal(t, n, total)

	visited := 0
	r.ForEach(func(ch *Channel) {
		visited++
		r.Remove(ch) // удаление изнутри обхода допустимо
	})
	assert.Equal(t, n, visited)
	assert.Equal(t, 0, r.Count())
}
