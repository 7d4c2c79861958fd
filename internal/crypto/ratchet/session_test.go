package ratchet_test

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
	"github.com/CatsMeow492/nochat.io/internal/crypto/primitives"
	"github.com/CatsMeow492/nochat.io/internal/crypto/ratchet"
)

// sessionPair wires an initiator and responder session around a shared root
// secret, the way the service does after an X3DH handshake.
func sessionPair(t *testing.T) (alice, bob *ratchet.Session) {
	t.Helper()

	var root [32]byte
	_, err := rand.Read(root[:])
	require.NoError(t, err)

	spk, err := primitives.GenerateX25519KeyPair()
	require.NoError(t, err)
	ek, err := primitives.GenerateX25519KeyPair()
	require.NoError(t, err)

	alice, err = ratchet.InitAsInitiator(root, ek, spk.Public)
	require.NoError(t, err)
	bob, err = ratchet.InitAsResponder(root, spk, ek.Public)
	require.NoError(t, err)
	return alice, bob
}

func mustEncrypt(t *testing.T, s *ratchet.Session, pt string) (ratchet.Header, []byte) {
	t.Helper()
	h, ct, err := s.Encrypt([]byte(pt))
	require.NoError(t, err)
	return h, ct
}

func TestConversationRoundTrip(t *testing.T) {
	alice, bob := sessionPair(t)

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("alice says %d", i)
		h, ct := mustEncrypt(t, alice, msg)
		pt, err := bob.Decrypt(h, ct)
		require.NoError(t, err)
		assert.Equal(t, msg, string(pt))

		reply := fmt.Sprintf("bob replies %d", i)
		h, ct = mustEncrypt(t, bob, reply)
		pt, err = alice.Decrypt(h, ct)
		require.NoError(t, err)
		assert.Equal(t, reply, string(pt))
	}

	assert.Equal(t, uint64(5), alice.MessagesSent())
	assert.Equal(t, uint64(5), alice.MessagesReceived())
	assert.True(t, alice.HasReceivedMessage())
}

func TestLargePlaintextRoundTrip(t *testing.T) {
	alice, bob := sessionPair(t)

	big := make([]byte, 1<<20)
	_, err := rand.Read(big)
	require.NoError(t, err)

	h, ct, err := alice.Encrypt(big)
	require.NoError(t, err)
	pt, err := bob.Decrypt(h, ct)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, pt))
}

// TestOutOfOrderDelivery covers P5: two reorderings, including full reversal,
// with the skipped-key cache drained by the end.
func TestOutOfOrderDelivery(t *testing.T) {
	type sealed struct {
		header ratchet.Header
		ct     []byte
		want   string
	}

	for _, order := range [][]int{{0, 2, 1, 3}, {3, 2, 1, 0}} {
		t.Run(fmt.Sprintf("order_%v", order), func(t *testing.T) {
			alice, bob := sessionPair(t)

			msgs := make([]sealed, 4)
			for i := range msgs {
				want := fmt.Sprintf("message %d", i)
				h, ct := mustEncrypt(t, alice, want)
				msgs[i] = sealed{header: h, ct: ct, want: want}
			}

			for _, i := range order {
				pt, err := bob.Decrypt(msgs[i].header, msgs[i].ct)
				require.NoError(t, err)
				assert.Equal(t, msgs[i].want, string(pt))
			}

			// The cache must be fully drained once every message arrived.
			blob, err := bob.Pickle()
			require.NoError(t, err)
			var state map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(blob, &state))
			assert.NotContains(t, state, "skipped")
		})
	}
}

// TestDHRatchetAdvancesRootKey covers S4: alternating senders force DH
// ratchet steps, visible as a changing root key in the pickled state.
func TestDHRatchetAdvancesRootKey(t *testing.T) {
	alice, bob := sessionPair(t)

	rootOf := func(s *ratchet.Session) string {
		blob, err := s.Pickle()
		require.NoError(t, err)
		var state struct {
			RootKey []byte `json:"root_key"`
		}
		require.NoError(t, json.Unmarshal(blob, &state))
		return fmt.Sprintf("%x", state.RootKey)
	}

	roots := map[string]bool{rootOf(alice): true}

	h, ct := mustEncrypt(t, alice, "one")
	_, err := bob.Decrypt(h, ct)
	require.NoError(t, err)

	h, ct = mustEncrypt(t, bob, "two")
	_, err = alice.Decrypt(h, ct)
	require.NoError(t, err)
	roots[rootOf(alice)] = true

	h, ct = mustEncrypt(t, alice, "three")
	_, err = bob.Decrypt(h, ct)
	require.NoError(t, err)

	h, ct = mustEncrypt(t, bob, "four")
	_, err = alice.Decrypt(h, ct)
	require.NoError(t, err)
	roots[rootOf(alice)] = true

	assert.GreaterOrEqual(t, len(roots), 3)
}

// TestSendChainAdvancesPerMessage covers P4 structurally: the sending chain
// key after an encrypt never equals its prior value.
func TestSendChainAdvancesPerMessage(t *testing.T) {
	alice, _ := sessionPair(t)

	chainOf := func() string {
		blob, err := alice.Pickle()
		require.NoError(t, err)
		var state struct {
			SendChainKey []byte `json:"send_chain_key"`
		}
		require.NoError(t, json.Unmarshal(blob, &state))
		return fmt.Sprintf("%x", state.SendChainKey)
	}

	seen := map[string]bool{chainOf(): true}
	for i := 0; i < 10; i++ {
		mustEncrypt(t, alice, "tick")
		ck := chainOf()
		assert.False(t, seen[ck], "chain key reused after message %d", i)
		seen[ck] = true
	}
}

// TestMaxSkipBound covers P9: a gap beyond MaxSkip is rejected and the
// session stays usable at its prior state.
func TestMaxSkipBound(t *testing.T) {
	alice, bob := sessionPair(t)

	// MaxSkip+2 sends put the final message a gap of MaxSkip+1 ahead.
	var firstHeader, lastHeader ratchet.Header
	var firstCT, lastCT []byte
	for i := 0; i < ratchet.MaxSkip+2; i++ {
		lastHeader, lastCT = mustEncrypt(t, alice, "burst")
		if i == 0 {
			firstHeader, firstCT = lastHeader, lastCT
		}
	}

	_, err := bob.Decrypt(lastHeader, lastCT)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrSkipExceeded))

	// State unchanged: the first, in-range message still decrypts.
	_, err = bob.Decrypt(firstHeader, firstCT)
	require.NoError(t, err)
}

// TestFailedDecryptDoesNotAdvance covers the §4.4 rule that a bad message
// must leave the session decryptable for subsequent well-formed traffic.
func TestFailedDecryptDoesNotAdvance(t *testing.T) {
	alice, bob := sessionPair(t)

	h1, ct1 := mustEncrypt(t, alice, "first")

	tampered := append([]byte(nil), ct1...)
	tampered[len(tampered)-1] ^= 0x01
	_, err := bob.Decrypt(h1, tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cryptoerr.ErrDecryptionFailed))

	pt, err := bob.Decrypt(h1, ct1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(pt))

	h2, ct2 := mustEncrypt(t, alice, "second")
	pt, err = bob.Decrypt(h2, ct2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))
}

// TestPickleRoundTrip covers P8 and S5: a restored session carries the
// conversation forward exactly where the original left off.
func TestPickleRoundTrip(t *testing.T) {
	alice, bob := sessionPair(t)

	h, ct := mustEncrypt(t, alice, "X")
	pt, err := bob.Decrypt(h, ct)
	require.NoError(t, err)
	assert.Equal(t, "X", string(pt))

	blob, err := alice.Pickle()
	require.NoError(t, err)
	restored, err := ratchet.Unpickle(blob)
	require.NoError(t, err)

	assert.Equal(t, alice.SessionID(), restored.SessionID())
	assert.Equal(t, alice.MessagesSent(), restored.MessagesSent())

	h, ct, err = restored.Encrypt([]byte("Y"))
	require.NoError(t, err)
	pt, err = bob.Decrypt(h, ct)
	require.NoError(t, err)
	assert.Equal(t, "Y", string(pt))
}

func TestUnpickleRejectsGarbage(t *testing.T) {
	for name, blob := range map[string][]byte{
		"not_json":     []byte("definitely not json"),
		"empty_object": []byte("{}"),
		"short_keys":   []byte(`{"session_id":"AAE=","root_key":"AAE=","dhs_public":"AAE=","dhs_private":"AAE="}`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ratchet.Unpickle(blob)
			require.Error(t, err)
			assert.True(t, errors.Is(err, cryptoerr.ErrSessionCorrupted))
		})
	}
}

// TestPendingHandshakeLatch verifies the one-way PreKey latch: the handshake
// stays attached until the first reply decrypts, then clears for good.
func TestPendingHandshakeLatch(t *testing.T) {
	alice, bob := sessionPair(t)

	otk := uint32(7)
	alice.SetHandshake(ratchet.Handshake{SignedPreKeyID: 3, OneTimeKeyID: &otk})

	require.NotNil(t, alice.PendingHandshake())

	h, ct := mustEncrypt(t, alice, "hello")
	_, err := bob.Decrypt(h, ct)
	require.NoError(t, err)

	// Still pending after sends; only a decrypted reply clears it.
	mustEncrypt(t, alice, "still waiting")
	require.NotNil(t, alice.PendingHandshake())

	h, ct = mustEncrypt(t, bob, "hi")
	_, err = alice.Decrypt(h, ct)
	require.NoError(t, err)
	assert.Nil(t, alice.PendingHandshake())

	// Survives a pickle round-trip in the cleared state.
	blob, err := alice.Pickle()
	require.NoError(t, err)
	restored, err := ratchet.Unpickle(blob)
	require.NoError(t, err)
	assert.Nil(t, restored.PendingHandshake())
}
