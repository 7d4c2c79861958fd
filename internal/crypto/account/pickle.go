package account

import (
	"encoding/json"
	"time"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

type pickled struct {
	IdentityPublic []byte `json:"identity_public"`
	IdentitySeed   []byte `json:"identity_seed"`

	SignedPreKey         pickledSignedPreKey  `json:"signed_prekey"`
	PreviousSignedPreKey *pickledSignedPreKey `json:"previous_signed_prekey,omitempty"`

	NextSignedPreKeyID  uint32 `json:"next_signed_prekey_id"`
	NextOneTimePreKeyID uint32 `json:"next_one_time_prekey_id"`

	OneTimePreKeys   []pickledOneTimeKey `json:"one_time_prekeys"`
	PublishedThrough uint32              `json:"published_through"`
}

type pickledSignedPreKey struct {
	ID        uint32 `json:"id"`
	Public    []byte `json:"public"`
	Private   []byte `json:"private"`
	Signature []byte `json:"signature"`
	CreatedAt int64  `json:"created_at"`
}

type pickledOneTimeKey struct {
	ID      uint32 `json:"id"`
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

func pickleSignedPreKey(spk prekey.SignedPreKey) pickledSignedPreKey {
	return pickledSignedPreKey{
		ID:        spk.ID,
		Public:    spk.KeyPair.Public[:],
		Private:   spk.KeyPair.Private[:],
		Signature: spk.Signature,
		CreatedAt: spk.CreatedAt.Unix(),
	}
}

func unpickleSignedPreKey(p pickledSignedPreKey) (prekey.SignedPreKey, error) {
	if len(p.Public) != primitives.KeySize || len(p.Private) != primitives.KeySize ||
		len(p.Signature) != primitives.SignatureSize {
		return prekey.SignedPreKey{}, cryptoerr.Wrap("account.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
	}
	spk := prekey.SignedPreKey{
		ID:        p.ID,
		Signature: append([]byte(nil), p.Signature...),
		CreatedAt: time.Unix(p.CreatedAt, 0),
	}
	copy(spk.KeyPair.Public[:], p.Public)
	copy(spk.KeyPair.Private[:], p.Private)
	return spk, nil
}

// Pickle serializes the account, private keys included. The output must only
// ever be stored encrypted under the pickle key.
func (a *Account) Pickle() ([]byte, error) {
	p := pickled{
		IdentityPublic:      a.identity.Public[:],
		IdentitySeed:        a.identity.Seed[:],
		SignedPreKey:        pickleSignedPreKey(a.catalog.Current()),
		NextSignedPreKeyID:  a.catalog.NextSignedPreKeyID(),
		NextOneTimePreKeyID: a.catalog.NextOneTimePreKeyID(),
		PublishedThrough:    a.publishedThrough,
	}
	if prev := a.catalog.Previous(); prev != nil {
		pp := pickleSignedPreKey(*prev)
		p.PreviousSignedPreKey = &pp
	}
	for _, k := range a.catalog.OneTimePreKeys() {
		p.OneTimePreKeys = append(p.OneTimePreKeys, pickledOneTimeKey{
			ID:      k.ID,
			Public:  k.KeyPair.Public[:],
			Private: k.KeyPair.Private[:],
		})
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, cryptoerr.Wrap("account.Pickle", cryptoerr.ErrSessionCorrupted, err)
	}
	return out, nil
}

// Unpickle rebuilds an account from its serialized form.
func Unpickle(data []byte) (*Account, error) {
	var p pickled
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, cryptoerr.Wrap("account.Unpickle", cryptoerr.ErrSessionCorrupted, err)
	}
	if len(p.IdentityPublic) != primitives.KeySize || len(p.IdentitySeed) != primitives.KeySize {
		return nil, cryptoerr.Wrap("account.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
	}

	var identity primitives.IdentityKeyPair
	copy(identity.Public[:], p.IdentityPublic)
	copy(identity.Seed[:], p.IdentitySeed)

	current, err := unpickleSignedPreKey(p.SignedPreKey)
	if err != nil {
		return nil, err
	}
	var previous *prekey.SignedPreKey
	if p.PreviousSignedPreKey != nil {
		prev, err := unpickleSignedPreKey(*p.PreviousSignedPreKey)
		if err != nil {
			return nil, err
		}
		previous = &prev
	}

	otks := make([]prekey.OneTimePreKey, 0, len(p.OneTimePreKeys))
	for _, k := range p.OneTimePreKeys {
		if len(k.Public) != primitives.KeySize || len(k.Private) != primitives.KeySize {
			return nil, cryptoerr.Wrap("account.Unpickle", cryptoerr.ErrSessionCorrupted, nil)
		}
		otk := prekey.OneTimePreKey{ID: k.ID}
		copy(otk.KeyPair.Public[:], k.Public)
		copy(otk.KeyPair.Private[:], k.Private)
		otks = append(otks, otk)
	}

	return &Account{
		identity:         identity,
		catalog:          prekey.Restore(identity, current, previous, p.NextSignedPreKeyID, p.NextOneTimePreKeyID, otks),
		publishedThrough: p.PublishedThrough,
	}, nil
}
