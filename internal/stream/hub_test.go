package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_SinceReturnsOnlyNewerEvents(t *testing.T) {
	rb := newRingBuffer(10)
	e1 := rb.push("fill", map[string]string{"a": "1"})
	e2 := rb.push("fill", map[string]string{"a": "2"})
	rb.push("fill", map[string]string{"a": "3"})

	events, latest := rb.since(e1.Seq, 10)
	require.Len(t, events, 2)
	assert.Equal(t, e2.Seq, events[0].Seq)
	assert.Equal(t, uint64(3), latest)
}

func TestRingBuffer_CapsAtCapacity(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 0; i < 10; i++ {
		rb.push("fill", i)
	}
	events, _ := rb.since(0, 100)
	assert.Len(t, events, 3)
	assert.Equal(t, uint64(10), events[len(events)-1].Seq)
}

func TestRingBuffer_SinceRespectsLimit(t *testing.T) {
	rb := newRingBuffer(100)
	for i := 0; i < 50; i++ {
		rb.push("fill", i)
	}
	events, _ := rb.since(0, 5)
	assert.Len(t, events, 5)
}

func TestHub_PublishAndSetPrice(t *testing.T) {
	h := NewHub(100, 20, 30*time.Second)
	h.Publish("fill", map[string]string{"x": "y"})
	h.SetPrice("BTC", 61000)

	events, latest := h.buffer.since(0, 10)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), latest)
	assert.Equal(t, 61000.0, h.prices()["BTC"])
}
