package ticket

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/memvault/errcode"
)

// Binding is the durable ticket state of a memory.
type Binding struct {
	Bound    bool
	Tier     Tier
	Capacity uint64
	Seq      uint64
	Issuer   string
	BoundAt  time.Time
}

// Gatekeeper enforces tier, capacity and ticket requirements.
//
// The zero binding is Unbound: free tier with the create-time capacity.
type Gatekeeper struct {
	mu       sync.RWMutex
	key      ed25519.PublicKey
	memoryID uuid.UUID
	unbound  uint64
	binding  Binding
}

// NewGatekeeper returns a gatekeeper for memoryID. key verifies ticket
// signatures; unboundCapacity applies until a ticket is bound.
func NewGatekeeper(key ed25519.PublicKey, memoryID uuid.UUID, unboundCapacity uint64, b Binding) *Gatekeeper {
	if unboundCapacity == 0 {
		unboundCapacity = DefaultCapacity
	}
	return &Gatekeeper{key: key, memoryID: memoryID, unbound: unboundCapacity, binding: b}
}

// Binding returns the current binding.
func (g *Gatekeeper) Binding() Binding {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.binding
}

// Tier returns the bound tier, or free when unbound.
func (g *Gatekeeper) Tier() Tier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.binding.Bound {
		return TierFree
	}
	return g.binding.Tier
}

// Capacity returns the active capacity in bytes.
func (g *Gatekeeper) Capacity() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.binding.Bound {
		return g.binding.Capacity
	}
	return g.unbound
}

// UnboundCapacity returns the capacity that applies without a ticket.
func (g *Gatekeeper) UnboundCapacity() uint64 { return g.unbound }

// Validate checks t against the current binding and returns the binding
// that applying it would produce. Checks run in order: signature, tier,
// memory id, tier change, sequence.
func (g *Gatekeeper) Validate(t Ticket, now time.Time) (Binding, error) {
	const op = "bind ticket"

	if err := t.Verify(g.key); err != nil {
		return Binding{}, err
	}
	if !t.Tier.Valid() {
		return Binding{}, errcode.Newf(errcode.InvalidTier, op, "unknown tier %q", t.Tier)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	cur := g.binding

	if t.MemoryID != uuid.Nil && t.MemoryID != g.memoryID {
		return Binding{}, errcode.Newf(errcode.MemoryAlreadyBound, op,
			"ticket is bound to memory %s, this memory is %s", t.MemoryID, g.memoryID)
	}
	if cur.Bound && t.Tier != cur.Tier && t.Seq <= cur.Seq {
		return Binding{}, errcode.Newf(errcode.MemoryAlreadyBound, op,
			"memory is bound to tier %s; changing to %s needs a sequence above %d", cur.Tier, t.Tier, cur.Seq)
	}
	if cur.Bound && t.Seq <= cur.Seq {
		return Binding{}, errcode.Newf(errcode.TicketSequence, op,
			"ticket sequence %d is not above %d", t.Seq, cur.Seq)
	}

	return Binding{
		Bound:    true,
		Tier:     t.Tier,
		Capacity: t.EffectiveCapacity(),
		Seq:      t.Seq,
		Issuer:   t.Issuer,
		BoundAt:  now,
	}, nil
}

// Apply installs a binding produced by Validate or recovered from disk.
func (g *Gatekeeper) Apply(b Binding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.binding = b
}

// CheckCapacity fails with CapacityExceeded if adding delta bytes to
// current would exceed the capacity.
func (g *Gatekeeper) CheckCapacity(current, delta uint64) error {
	capacity := g.Capacity()
	if current+delta > capacity || current+delta < current {
		return errcode.Newf(errcode.CapacityExceeded, "put",
			"%d + %d bytes exceeds capacity of %d bytes", current, delta, capacity)
	}
	return nil
}

// RequireTicket fails with TicketRequired unless a ticket is bound.
func (g *Gatekeeper) RequireTicket(op string) error {
	if !g.Binding().Bound {
		return errcode.New(errcode.TicketRequired, op, "a bound ticket is required")
	}
	return nil
}

// RequireAPIKey fails with APIKeyRequired when key is empty.
func RequireAPIKey(op, key string) error {
	if key == "" {
		return errcode.New(errcode.APIKeyRequired, op, "an api key is required")
	}
	return nil
}
