package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/promptflow/pkg/schema"
)

func TestULIDProvider_MonotonicWithinMillisecond(t *testing.T) {
	p := NewULIDProvider()
	prev := p.NewID("prompt")
	for i := 0; i < 1000; i++ {
		id := p.NewID("prompt")
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestCounterProvider_Concurrent(t *testing.T) {
	p := NewCounterProvider(10)
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := p.NewID("edge")
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	assert.Equal(t, "edge-811", p.NewID("edge"))
}

func TestNewIDProvider(t *testing.T) {
	for _, scheme := range []string{"", IDSchemeUUID, IDSchemeULID, IDSchemeCounter} {
		p, err := NewIDProvider(scheme)
		require.NoError(t, err)
		assert.NotEmpty(t, p.NewID("prompt"))
	}

	_, err := NewIDProvider("timestamp")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCounterProvider_Observe(t *testing.T) {
	p := NewCounterProvider(0)
	p.Observe("edge-7")
	p.Observe("prompt-3")
	p.Observe("custom")
	p.Observe("node-x")
	assert.Equal(t, "edge-8", p.NewID("edge"))
}
