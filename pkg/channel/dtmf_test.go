package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFFifo(t *testing.T) {
	ch := New(DefaultConfig())
	require.NoError(t, ch.QueueDTMF("1"))
	require.NoError(t, ch.QueueDTMF("2"))
	require.NoError(t, ch.QueueDTMF("3"))
	assert.Equal(t, 3, ch.HasDTMF())

	buf := make([]byte, 3)
	n := ch.DequeueDTMF(buf)
	assert.Equal(t, 3, n)
	assert.Equal(t, "123", string(buf[:n]))
	assert.Equal(t, 0, ch.DequeueDTMF(buf), "пустая очередь не ошибка")
}

func TestDTMFQueueFullKeepsContents(t *testing.T) {
	q := NewDTMFQueue(4)
	require.NoError(t, q.Queue("123"))

	err := q.Queue("45")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, q.Len(), "частичной записи быть не должно")

	buf := make([]byte, 8)
	n := q.Dequeue(buf)
	assert.Equal(t, "123", string(buf[:n]))
}

func TestDTMFWrapAround(t *testing.T) {
	q := NewDTMFQueue(4)
	buf := make([]byte, 2)

	require.NoError(t, q.Queue("123"))
	assert.Equal(t, 2, q.Dequeue(buf))
	assert.Equal(t, "12", string(buf))

	require.NoError(t, q.Queue("456"))
	out := make([]byte, 4)
	n := q.Dequeue(out)
	assert.Equal(t, "3456", string(out[:n]))
}

func TestDTMFValidation(t *testing.T) {
	q := NewDTMFQueue(8)
	require.NoError(t, q.Queue("*#abcD"))
	buf := make([]byte, 8)
	n := q.Dequeue(buf)
	assert.Equal(t, "*#ABCD", string(buf[:n]))

	err := q.Queue("12x")
	assert.ErrorIs(t, err, ErrInvalidDTMF)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, DefaultDTMFCapacity, NewDTMFQueue(0).Cap())
}

// производитель и потребитель конкурентно: цифры не теряются и не переставляются
func TestDTMFProducerConsumer(t *testing.T) {
	q := NewDTMFQueue(16)
	const total = 2000
	digits := "0123456789*#ABCD"

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if q.Queue(string(digits[i%len(digits)])) == nil {
				i++
			}
		}
	}()

	got := make([]byte, 0, total)
	buf := make([]byte, 5)
	for len(got) < total {
		n := q.Dequeue(buf)
		got = append(got, buf[:n]...)
	}
	wg.Wait()

	for i, d := range got {
		require.Equal(t, digits[i%len(digits)], d, "позиция %d", i)
	}
}
