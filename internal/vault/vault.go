// Package vault is the durable, encrypted-at-rest store for the crypto
// core: one account row, one session row per peer, and a mirror of the live
// key material. Every blob is sealed under the pickle key before it touches
// SQLite; a failed authentication tag on load is surfaced as corruption,
// never as a missing row.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/CatsMeow492/nochat.io/internal/aead"
	"github.com/CatsMeow492/nochat.io/internal/crypto/cryptoerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS crypto_account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	identity_pub_hex TEXT NOT NULL,
	account_blob BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS peer_sessions (
	session_id TEXT PRIMARY KEY,
	peer_id TEXT NOT NULL UNIQUE,
	session_blob BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crypto_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_type TEXT NOT NULL,
	public_hex TEXT NOT NULL,
	private_blob BLOB NOT NULL,
	signature BLOB,
	key_id INTEGER,
	created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_crypto_keys_type_pub
	ON crypto_keys (key_type, public_hex);
`

// KeyType discriminates rows in the crypto_keys mirror.
type KeyType string

const (
	KeyTypeIdentity      KeyType = "identity"
	KeyTypeSignedPreKey  KeyType = "signed_prekey"
	KeyTypeOneTimePreKey KeyType = "one_time_prekey"
)

// StoredKey mirrors one live key into the vault. Private is the plaintext
// secret half; the vault seals it before insert.
type StoredKey struct {
	Type      KeyType
	PublicHex string
	Private   []byte
	Signature []byte
	KeyID     *uint32
	CreatedAt time.Time
}

// Vault wraps the SQLite handle and the pickle key.
type Vault struct {
	db        *sql.DB
	pickleKey []byte
}

// Open opens (creating if needed) the vault database at path and applies the
// schema. The pickle key must be exactly 32 bytes.
func Open(path string, pickleKey []byte) (*Vault, error) {
	if len(pickleKey) != aead.KeySize {
		return nil, cryptoerr.Wrap("vault.Open", cryptoerr.ErrVault,
			fmt.Errorf("pickle key must be %d bytes, got %d", aead.KeySize, len(pickleKey)))
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, cryptoerr.Wrap("vault.Open", cryptoerr.ErrVault, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, cryptoerr.Wrap("vault.Open", cryptoerr.ErrVault, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, cryptoerr.Wrap("vault.Open", cryptoerr.ErrVault, err)
	}
	return &Vault{db: db, pickleKey: append([]byte(nil), pickleKey...)}, nil
}

// Close releases the database handle.
func (v *Vault) Close() error { return v.db.Close() }

func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	blob, err := aead.SealPickle(v.pickleKey, plaintext)
	if err != nil {
		return nil, cryptoerr.Wrap("vault.seal", cryptoerr.ErrVault, err)
	}
	return blob, nil
}

func (v *Vault) open(op string, blob []byte) ([]byte, error) {
	plaintext, err := aead.OpenPickle(v.pickleKey, blob)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrVault, err)
	}
	return plaintext, nil
}

// SaveAccount upserts the single account row.
func (v *Vault) SaveAccount(ctx context.Context, identityPubHex string, pickle []byte) error {
	blob, err := v.seal(pickle)
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO crypto_account (id, identity_pub_hex, account_blob, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			identity_pub_hex = excluded.identity_pub_hex,
			account_blob = excluded.account_blob,
			updated_at = excluded.updated_at`,
		identityPubHex, blob, time.Now().Unix())
	if err != nil {
		return cryptoerr.Wrap("vault.SaveAccount", cryptoerr.ErrVault, err)
	}
	return nil
}

// LoadAccount returns the decrypted account pickle, or nil when no account
// has ever been saved.
func (v *Vault) LoadAccount(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT account_blob FROM crypto_account WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cryptoerr.Wrap("vault.LoadAccount", cryptoerr.ErrVault, err)
	}
	return v.open("vault.LoadAccount", blob)
}

// SaveSession upserts a peer's session blob, minting a ULID row id on first
// insert.
func (v *Vault) SaveSession(ctx context.Context, peerID string, pickle []byte) error {
	blob, err := v.seal(pickle)
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO peer_sessions (session_id, peer_id, session_blob, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			session_blob = excluded.session_blob,
			updated_at = excluded.updated_at`,
		ulid.Make().String(), peerID, blob, time.Now().Unix())
	if err != nil {
		return cryptoerr.Wrap("vault.SaveSession", cryptoerr.ErrVault, err)
	}
	return nil
}

// LoadSession returns the decrypted session pickle for peerID, or nil when
// none exists.
func (v *Vault) LoadSession(ctx context.Context, peerID string) ([]byte, error) {
	var blob []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT session_blob FROM peer_sessions WHERE peer_id = ?`, peerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cryptoerr.Wrap("vault.LoadSession", cryptoerr.ErrVault, err)
	}
	return v.open("vault.LoadSession", blob)
}

// ListPeers returns every peer id with a stored session.
func (v *Vault) ListPeers(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT peer_id FROM peer_sessions ORDER BY peer_id`)
	if err != nil {
		return nil, cryptoerr.Wrap("vault.ListPeers", cryptoerr.ErrVault, err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cryptoerr.Wrap("vault.ListPeers", cryptoerr.ErrVault, err)
		}
		peers = append(peers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, cryptoerr.Wrap("vault.ListPeers", cryptoerr.ErrVault, err)
	}
	return peers, nil
}

// DeleteSession removes a peer's stored session. Deleting an absent peer is
// a no-op.
func (v *Vault) DeleteSession(ctx context.Context, peerID string) error {
	if _, err := v.db.ExecContext(ctx,
		`DELETE FROM peer_sessions WHERE peer_id = ?`, peerID); err != nil {
		return cryptoerr.Wrap("vault.DeleteSession", cryptoerr.ErrVault, err)
	}
	return nil
}

// DeleteAllSessions clears the peer_sessions table.
func (v *Vault) DeleteAllSessions(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM peer_sessions`); err != nil {
		return cryptoerr.Wrap("vault.DeleteAllSessions", cryptoerr.ErrVault, err)
	}
	return nil
}

// ReplaceKeys rewrites the crypto_keys mirror in one transaction so the
// on-disk view always matches a single in-memory catalog snapshot.
func (v *Vault) ReplaceKeys(ctx context.Context, keys []StoredKey) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return cryptoerr.Wrap("vault.ReplaceKeys", cryptoerr.ErrVault, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM crypto_keys`); err != nil {
		return cryptoerr.Wrap("vault.ReplaceKeys", cryptoerr.ErrVault, err)
	}
	for _, k := range keys {
		blob, err := v.seal(k.Private)
		if err != nil {
			return err
		}
		var keyID any
		if k.KeyID != nil {
			keyID = int64(*k.KeyID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crypto_keys (key_type, public_hex, private_blob, signature, key_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(k.Type), k.PublicHex, blob, k.Signature, keyID, k.CreatedAt.Unix()); err != nil {
			return cryptoerr.Wrap("vault.ReplaceKeys", cryptoerr.ErrVault, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cryptoerr.Wrap("vault.ReplaceKeys", cryptoerr.ErrVault, err)
	}
	return nil
}

// CountOneTimePreKeys reports how many one-time prekeys the mirror holds.
func (v *Vault) CountOneTimePreKeys(ctx context.Context) (int, error) {
	var n int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crypto_keys WHERE key_type = ?`,
		string(KeyTypeOneTimePreKey)).Scan(&n)
	if err != nil {
		return 0, cryptoerr.Wrap("vault.CountOneTimePreKeys", cryptoerr.ErrVault, err)
	}
	return n, nil
}

// DeleteAll wipes every table, for logout.
func (v *Vault) DeleteAll(ctx context.Context) error {
	for _, table := range []string{"crypto_account", "peer_sessions", "crypto_keys"} {
		if _, err := v.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return cryptoerr.Wrap("vault.DeleteAll", cryptoerr.ErrVault, err)
		}
	}
	return nil
}
