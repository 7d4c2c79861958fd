package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/prekey"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
)

// bundleJSON is the published form of a prekey bundle. Keys travel as
// standard base64.
type bundleJSON struct {
	IdentityKey   string          `json:"identity_key"`
	SignedPreKey  signedPreKeyJSON `json:"signed_prekey"`
	OneTimePreKey *oneTimeKeyJSON  `json:"one_time_prekey"`
}

type signedPreKeyJSON struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	CreatedAt int64  `json:"created_at"`
}

type oneTimeKeyJSON struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// MarshalBundle renders a bundle in the published JSON shape.
func MarshalBundle(b prekey.Bundle) ([]byte, error) {
	j := bundleJSON{
		IdentityKey: base64.StdEncoding.EncodeToString(b.IdentityPublic[:]),
		SignedPreKey: signedPreKeyJSON{
			KeyID:     b.SignedPreKey.ID,
			PublicKey: base64.StdEncoding.EncodeToString(b.SignedPreKey.Public[:]),
			Signature: base64.StdEncoding.EncodeToString(b.SignedPreKey.Signature),
			CreatedAt: b.SignedPreKey.CreatedAt.Unix(),
		},
	}
	if b.OneTimePreKey != nil {
		j.OneTimePreKey = &oneTimeKeyJSON{
			KeyID:     b.OneTimePreKey.ID,
			PublicKey: base64.StdEncoding.EncodeToString(b.OneTimePreKey.Public[:]),
		}
	}
	out, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wire: marshal bundle: %w", err)
	}
	return out, nil
}

// UnmarshalBundle parses a published bundle, validating key lengths.
func UnmarshalBundle(data []byte) (prekey.Bundle, error) {
	var j bundleJSON
	var b prekey.Bundle
	if err := json.Unmarshal(data, &j); err != nil {
		return b, cryptoerr.Wrap("wire.UnmarshalBundle", cryptoerr.ErrInvalidKeyFormat, err)
	}

	if err := decodeKey(j.IdentityKey, b.IdentityPublic[:]); err != nil {
		return b, err
	}
	if err := decodeKey(j.SignedPreKey.PublicKey, b.SignedPreKey.Public[:]); err != nil {
		return b, err
	}
	sig, err := base64.StdEncoding.DecodeString(j.SignedPreKey.Signature)
	if err != nil || len(sig) != primitives.SignatureSize {
		return b, cryptoerr.Wrap("wire.UnmarshalBundle", cryptoerr.ErrInvalidKeyFormat, err)
	}
	b.SignedPreKey.ID = j.SignedPreKey.KeyID
	b.SignedPreKey.Signature = sig
	b.SignedPreKey.CreatedAt = unixTime(j.SignedPreKey.CreatedAt)

	if j.OneTimePreKey != nil {
		otk := &prekey.OneTimePreKeyRecord{ID: j.OneTimePreKey.KeyID}
		if err := decodeKey(j.OneTimePreKey.PublicKey, otk.Public[:]); err != nil {
			return b, err
		}
		b.OneTimePreKey = otk
	}
	return b, nil
}

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

func decodeKey(encoded string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != len(dst) {
		return cryptoerr.Wrap("wire.UnmarshalBundle", cryptoerr.ErrInvalidKeyFormat, err)
	}
	copy(dst, raw)
	return nil
}
