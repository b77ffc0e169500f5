package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestProgressMapSetGet(t *testing.T) {
	p := NewProgressMap(10, time.Minute)
	id := uuid.New()

	_, ok := p.Get(id)
	assert.False(t, ok)

	p.Set(id, 42)
	pct, ok := p.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 42, pct)

	p.Drop(id)
	_, ok = p.Get(id)
	assert.False(t, ok)
}

func TestProgressMapClamps(t *testing.T) {
	p := NewProgressMap(10, time.Minute)
	id := uuid.New()

	p.Set(id, 140)
	pct, _ := p.Get(id)
	assert.Equal(t, 100, pct)

	p.Set(id, -5)
	pct, _ = p.Get(id)
	assert.Equal(t, 0, pct)
}

func TestProgressMapBounded(t *testing.T) {
	p := NewProgressMap(3, time.Minute)

	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
		p.Set(ids[i], i*10)
	}

	// Fourth write hit a full map of live entries and was dropped.
	_, ok := p.Get(ids[3])
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		_, ok := p.Get(ids[i])
		assert.True(t, ok, "entry %d survived", i)
	}
}

func TestProgressMapTTLExpiry(t *testing.T) {
	p := NewProgressMap(10, 10*time.Millisecond)
	id := uuid.New()

	p.Set(id, 50)
	time.Sleep(25 * time.Millisecond)

	_, ok := p.Get(id)
	assert.False(t, ok)
}
