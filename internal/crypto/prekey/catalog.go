// Package prekey manages the lifecycle of signed and one-time prekeys for a
// single local identity: generation, rotation, consumption, and
// replenishment thresholds.
package prekey

import (
	"fmt"
	"time"

	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

const (
	// InitialBatch is the number of one-time prekeys generated for a fresh catalog.
	InitialBatch = 100
	// ReplenishBatch is the number of one-time prekeys generated on replenishment.
	ReplenishBatch = 100
	// LowWaterMark triggers replenishment once the pool drops below it.
	LowWaterMark = 25
	// MaxAge is how long a signed prekey is valid before rotation is due.
	MaxAge = 7 * 24 * time.Hour
)

// SignedPreKey is a medium-term Curve25519 key signed by the owning identity.
type SignedPreKey struct {
	ID        uint32
	KeyPair   primitives.X25519KeyPair
	Signature []byte
	CreatedAt time.Time
}

// Record returns the publishable (no secret) half of the signed prekey.
func (s SignedPreKey) Record() SignedPreKeyRecord {
	return SignedPreKeyRecord{
		ID:        s.ID,
		Public:    s.KeyPair.Public,
		Signature: append([]byte(nil), s.Signature...),
		CreatedAt: s.CreatedAt,
	}
}

// SignedPreKeyRecord is the publishable form of a SignedPreKey.
type SignedPreKeyRecord struct {
	ID        uint32
	Public    primitives.X25519PublicKey
	Signature []byte
	CreatedAt time.Time
}

// OneTimePreKey is a single-use Curve25519 key pair.
type OneTimePreKey struct {
	ID      uint32
	KeyPair primitives.X25519KeyPair
}

// OneTimePreKeyRecord is the publishable form of a OneTimePreKey.
type OneTimePreKeyRecord struct {
	ID     uint32
	Public primitives.X25519PublicKey
}

// Bundle is the set of keys an initiator needs to start a session: the
// identity public key, the current signed prekey, and (if the pool is
// non-empty) one one-time prekey.
type Bundle struct {
	IdentityPublic primitives.IdentityPublicKey
	SignedPreKey   SignedPreKeyRecord
	OneTimePreKey  *OneTimePreKeyRecord
}

// Catalog owns the signed-prekey generations and the one-time-prekey pool
// for one local identity. It is not safe for concurrent use; callers (the
// CryptoService) are responsible for serializing access.
type Catalog struct {
	identity primitives.IdentityKeyPair

	current  SignedPreKey
	previous *SignedPreKey // retained one generation back for the drain window

	nextSignedID uint32
	nextOTKID    uint32
	otkPool      map[uint32]OneTimePreKey
}

// New creates a catalog for identity: it generates signed prekey id 0 and an
// initial batch of one-time prekeys with ids 0..InitialBatch-1.
func New(identity primitives.IdentityKeyPair) (*Catalog, error) {
	c := &Catalog{
		identity:     identity,
		nextSignedID: 1,
		otkPool:      make(map[uint32]OneTimePreKey, InitialBatch),
	}

	spk, err := generateSignedPreKey(identity, 0)
	if err != nil {
		return nil, fmt.Errorf("prekey: new catalog: %w", err)
	}
	c.current = spk

	if _, err := c.generateOTKs(InitialBatch); err != nil {
		return nil, fmt.Errorf("prekey: new catalog: %w", err)
	}
	return c, nil
}

// Restore rebuilds a catalog from previously-persisted state (used when
// loading from the vault). No keys are generated.
func Restore(
	identity primitives.IdentityKeyPair,
	current SignedPreKey,
	previous *SignedPreKey,
	nextSignedID uint32,
	nextOTKID uint32,
	otks []OneTimePreKey,
) *Catalog {
	pool := make(map[uint32]OneTimePreKey, len(otks))
	for _, k := range otks {
		pool[k.ID] = k
	}
	return &Catalog{
		identity:     identity,
		current:      current,
		previous:     previous,
		nextSignedID: nextSignedID,
		nextOTKID:    nextOTKID,
		otkPool:      pool,
	}
}

func generateSignedPreKey(identity primitives.IdentityKeyPair, id uint32) (SignedPreKey, error) {
	kp, err := primitives.GenerateX25519KeyPair()
	if err != nil {
		return SignedPreKey{}, err
	}
	sig := identity.Sign(kp.Public[:])
	return SignedPreKey{
		ID:        id,
		KeyPair:   kp,
		Signature: sig,
		CreatedAt: time.Now(),
	}, nil
}

// Bundle returns the publication-ready bundle: identity public key, current
// signed prekey record, and the lowest-id unconsumed one-time prekey (or nil
// if the pool is exhausted).
func (c *Catalog) Bundle() Bundle {
	b := Bundle{
		IdentityPublic: c.identity.Public,
		SignedPreKey:   c.current.Record(),
	}
	if id, ok := c.lowestOTKID(); ok {
		otk := c.otkPool[id]
		b.OneTimePreKey = &OneTimePreKeyRecord{ID: otk.ID, Public: otk.KeyPair.Public}
	}
	return b
}

func (c *Catalog) lowestOTKID() (uint32, bool) {
	found := false
	var min uint32
	for id := range c.otkPool {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

// Generate creates n fresh one-time prekeys with sequential ids and returns
// their publishable records.
func (c *Catalog) Generate(n int) ([]OneTimePreKeyRecord, error) {
	return c.generateOTKs(n)
}

// OneTimePreKeyByID returns the one-time prekey with the given id without
// consuming it, for a responder that must not burn the key until the
// handshake's first ciphertext authenticates.
func (c *Catalog) OneTimePreKeyByID(id uint32) (primitives.X25519KeyPair, bool) {
	otk, ok := c.otkPool[id]
	if !ok {
		return primitives.X25519KeyPair{}, false
	}
	return otk.KeyPair, true
}

// ConsumeOTK removes and returns the one-time prekey with the given id. It
// is idempotent: consuming an id that does not exist (already consumed, or
// never issued) returns ok=false rather than an error, matching the spec's
// "idempotent on already-consumed ids" requirement.
func (c *Catalog) ConsumeOTK(id uint32) (primitives.X25519KeyPair, bool) {
	otk, ok := c.otkPool[id]
	if !ok {
		return primitives.X25519KeyPair{}, false
	}
	delete(c.otkPool, id)
	return otk.KeyPair, true
}

// OneTimePreKeyCount returns the number of unconsumed one-time prekeys.
func (c *Catalog) OneTimePreKeyCount() int {
	return len(c.otkPool)
}

// NeedsReplenishment reports whether the pool has dropped below the
// low-water mark.
func (c *Catalog) NeedsReplenishment() bool {
	return len(c.otkPool) < LowWaterMark
}

// Replenish generates ReplenishBatch fresh one-time prekeys and returns their
// publishable records for upload to the server.
func (c *Catalog) Replenish() ([]OneTimePreKeyRecord, error) {
	return c.generateOTKs(ReplenishBatch)
}

func (c *Catalog) generateOTKs(n int) ([]OneTimePreKeyRecord, error) {
	records := make([]OneTimePreKeyRecord, 0, n)
	for i := 0; i < n; i++ {
		kp, err := primitives.GenerateX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("prekey: generate one-time prekey: %w", err)
		}
		id := c.nextOTKID
		c.nextOTKID++
		otk := OneTimePreKey{ID: id, KeyPair: kp}
		c.otkPool[id] = otk
		records = append(records, OneTimePreKeyRecord{ID: id, Public: kp.Public})
	}
	return records, nil
}

// NeedsRotation reports whether the current signed prekey has exceeded
// MaxAge.
func (c *Catalog) NeedsRotation() bool {
	return time.Since(c.current.CreatedAt) > MaxAge
}

// RotateSignedPreKey generates a new signed prekey, retiring the current one
// to "previous" so in-flight handshakes against it still resolve. At most
// one prior generation is retained; rotating twice without an intervening
// drain permanently drops the oldest generation.
func (c *Catalog) RotateSignedPreKey() (SignedPreKey, error) {
	next, err := generateSignedPreKey(c.identity, c.nextSignedID)
	if err != nil {
		return SignedPreKey{}, fmt.Errorf("prekey: rotate signed prekey: %w", err)
	}
	c.nextSignedID++

	old := c.current
	c.previous = &old
	c.current = next
	return next, nil
}

// Current returns the active signed prekey (including its private half),
// for local use answering first-contact handshakes.
func (c *Catalog) Current() SignedPreKey { return c.current }

// Previous returns the retired signed-prekey generation, if one is still
// being retained for the drain window.
func (c *Catalog) Previous() *SignedPreKey { return c.previous }

// SignedPreKeyByID resolves a signed prekey by id, checking the current
// generation and then the retained previous generation. This lets a
// responder distinguish "wrong/unknown signed prekey id" (ok=false) from a
// merely-stale-but-retained one.
func (c *Catalog) SignedPreKeyByID(id uint32) (SignedPreKey, bool) {
	if c.current.ID == id {
		return c.current, true
	}
	if c.previous != nil && c.previous.ID == id {
		return *c.previous, true
	}
	return SignedPreKey{}, false
}

// OneTimePreKeys returns a snapshot of the unconsumed pool, for
// serialization.
func (c *Catalog) OneTimePreKeys() []OneTimePreKey {
	out := make([]OneTimePreKey, 0, len(c.otkPool))
	for _, k := range c.otkPool {
		out = append(out, k)
	}
	return out
}

// NextSignedPreKeyID and NextOneTimePreKeyID expose the allocator cursors so
// the vault can persist and restore them.
func (c *Catalog) NextSignedPreKeyID() uint32 { return c.nextSignedID }
func (c *Catalog) NextOneTimePreKeyID() uint32 { return c.nextOTKID }
