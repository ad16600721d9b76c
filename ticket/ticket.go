// Package ticket implements signed capacity tickets and the gatekeeper that
// binds them to a memory file.
package ticket

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/wire"
	"github.com/hupe1980/memvault/signature"
)

// Tier is a capability tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierDev        Tier = "dev"
	TierEnterprise Tier = "enterprise"
)

const (
	GiB = 1 << 30
	TiB = 1 << 40
)

// DefaultCapacity is the capacity of a memory without a ticket.
const DefaultCapacity = 1 * GiB

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierDev, TierEnterprise:
		return t, nil
	default:
		return "", errcode.Newf(errcode.InvalidTier, "parse tier", "unknown tier %q", s)
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}

// DefaultCapacity returns the capacity granted by a tier when the ticket
// does not name one.
func (t Tier) DefaultCapacity() uint64 {
	switch t {
	case TierDev:
		return 10 * GiB
	case TierEnterprise:
		return 1 * TiB
	default:
		return DefaultCapacity
	}
}

var payloadMagic = []byte("MVTICKET")

// Ticket grants a tier and capacity to a memory.
type Ticket struct {
	Tier     Tier      `json:"tier"`
	Capacity uint64    `json:"capacity_bytes,omitempty"`
	Seq      uint64    `json:"seq"`
	Issuer   string    `json:"issuer"`
	MemoryID uuid.UUID `json:"memory_id,omitempty"`
	IssuedAt int64     `json:"issued_at,omitempty"`
	// Signature is an ed25519 signature over Payload.
	Signature []byte `json:"signature"`
}

// EffectiveCapacity returns Capacity, or the tier default when zero.
func (t Ticket) EffectiveCapacity() uint64 {
	if t.Capacity > 0 {
		return t.Capacity
	}
	return t.Tier.DefaultCapacity()
}

// Payload returns the canonical bytes covered by the signature.
func (t Ticket) Payload() []byte {
	w := wire.NewWriter(nil)
	w.Raw(payloadMagic)
	w.Str(string(t.Tier))
	w.Uint64(t.Capacity)
	w.Uint64(t.Seq)
	w.Str(t.Issuer)
	w.Raw(t.MemoryID[:])
	w.Int64(t.IssuedAt)
	return w.Bytes()
}

// Sign sets the signature with the issuer's private key.
func (t *Ticket) Sign(key ed25519.PrivateKey) {
	t.Signature = signature.Sign(t.Payload(), key)
}

// Verify checks the signature under key.
func (t Ticket) Verify(key ed25519.PublicKey) error {
	if len(key) == 0 {
		return errcode.New(errcode.TicketSignatureInvalid, "verify ticket", "no ticket key configured")
	}
	if err := signature.Verify(t.Payload(), t.Signature, key); err != nil {
		return errcode.Wrap(errcode.TicketSignatureInvalid, "verify ticket", err)
	}
	return nil
}

// MarshalBinary encodes the ticket with its signature.
func (t Ticket) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(nil)
	w.ByteSlice(t.Payload())
	w.ByteSlice(t.Signature)
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal ticket", err)
	}
	return w.Bytes(), nil
}

// UnmarshalBinary decodes a ticket encoded by MarshalBinary.
func (t *Ticket) UnmarshalBinary(b []byte) error {
	const op = "unmarshal ticket"
	outer := wire.NewReader(b)
	payload := outer.ByteSlice()
	sig := outer.ByteSlice()
	if err := outer.Done(); err != nil {
		return errcode.Wrap(errcode.Decode, op, err)
	}

	r := wire.NewReader(payload)
	if string(r.Raw(len(payloadMagic))) != string(payloadMagic) {
		return errcode.New(errcode.Decode, op, "bad ticket magic")
	}
	var out Ticket
	out.Tier = Tier(r.Str())
	out.Capacity = r.Uint64()
	out.Seq = r.Uint64()
	out.Issuer = r.Str()
	copy(out.MemoryID[:], r.Raw(16))
	out.IssuedAt = r.Int64()
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.Decode, op, err)
	}
	out.Signature = sig
	*t = out
	return nil
}

// ParseJSON decodes a ticket file. The signature may be hex or base64.
func ParseJSON(b []byte) (Ticket, error) {
	var raw struct {
		Ticket
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Ticket{}, errcode.Wrap(errcode.Decode, "parse ticket", err)
	}
	t := raw.Ticket
	sig, err := signature.ParseSignature(raw.Signature)
	if err != nil {
		return Ticket{}, errcode.Wrap(errcode.TicketSignatureInvalid, "parse ticket", err)
	}
	t.Signature = sig
	return t, nil
}

// MarshalJSON renders the signature as base64 so tickets round-trip through
// ParseJSON.
func (t Ticket) MarshalJSON() ([]byte, error) {
	type plain Ticket
	return json.Marshal(struct {
		plain
		Signature string `json:"signature"`
	}{plain(t), base64.StdEncoding.EncodeToString(t.Signature)})
}

func (t Ticket) String() string {
	return fmt.Sprintf("ticket[%s seq=%d issuer=%s capacity=%d]", t.Tier, t.Seq, t.Issuer, t.EffectiveCapacity())
}
