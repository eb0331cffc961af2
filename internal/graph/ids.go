package graph

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rendis/promptflow/pkg/schema"
)

// IDProvider issues ids for nodes, edges and flows. Kind is the node type
// for nodes, "edge" for edges and "flow" for flows.
type IDProvider interface {
	NewID(kind string) string
}

// UUIDProvider issues random v4 UUIDs.
type UUIDProvider struct{}

func (UUIDProvider) NewID(string) string {
	return uuid.NewString()
}

// ULIDProvider issues lexicographically sortable ULIDs. Ids issued within
// the same millisecond still increase strictly.
type ULIDProvider struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

// NewULIDProvider creates a ULIDProvider reading entropy from crypto/rand.
func NewULIDProvider() *ULIDProvider {
	return &ULIDProvider{now: time.Now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (p *ULIDProvider) NewID(string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(p.now()), p.entropy).String())
}

// CounterProvider issues "<kind>-<n>" from a single atomic counter.
type CounterProvider struct {
	n atomic.Uint64
}

// NewCounterProvider creates a CounterProvider whose first id ends in start+1.
func NewCounterProvider(start uint64) *CounterProvider {
	p := &CounterProvider{}
	p.n.Store(start)
	return p
}

func (p *CounterProvider) NewID(kind string) string {
	return fmt.Sprintf("%s-%d", kind, p.n.Add(1))
}

// Observe raises the counter to the numeric suffix of an existing id so
// later ids never collide with it. Ids without a numeric suffix are ignored.
func (p *CounterProvider) Observe(id string) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return
	}
	for {
		cur := p.n.Load()
		if n <= cur || p.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// idObserver is implemented by providers that must skip ids already in use
// by a loaded flow.
type idObserver interface {
	Observe(id string)
}

// Id schemes accepted by NewIDProvider.
const (
	IDSchemeUUID    = "uuid"
	IDSchemeULID    = "ulid"
	IDSchemeCounter = "counter"
)

// NewIDProvider returns the provider for a configured scheme.
func NewIDProvider(scheme string) (IDProvider, error) {
	switch scheme {
	case "", IDSchemeUUID:
		return UUIDProvider{}, nil
	case IDSchemeULID:
		return NewULIDProvider(), nil
	case IDSchemeCounter:
		return NewCounterProvider(0), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown id scheme %q", scheme)
	}
}
