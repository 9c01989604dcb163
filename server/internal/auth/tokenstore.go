package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	bolt "go.etcd.io/bbolt"

	"github.com/relaycast/relaycast/pkg/types"
)

var (
	tokensBucket = []byte("issued_tokens")

	// ErrTokenNotFound is returned by Revoke for a token that was never issued
	// or has already been revoked.
	ErrTokenNotFound = errors.New("auth: token not found")
)

type issuedEntry struct {
	Identity  string `json:"identity"`
	IssuedAt  int64  `json:"issuedAt"`            // Unix seconds
	ExpiresAt int64  `json:"expiresAt,omitempty"` // Unix seconds; zero never expires
}

// IssuedToken describes one stored token.
type IssuedToken struct {
	Token     string
	Identity  types.Identity
	IssuedAt  time.Time
	ExpiresAt time.Time // zero never expires
}

// TokenStore is a bbolt-backed registry of issued, revocable client tokens.
type TokenStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenTokenStore opens (creating if needed) the bbolt file at path.
// The caller owns the returned store and must Close it.
func OpenTokenStore(path string) (*TokenStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("auth: open token db %q: %w", path, err)
	}
	ts, err := NewTokenStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ts, nil
}

// NewTokenStore creates or opens the token bucket in the given database.
func NewTokenStore(db *bolt.DB) (*TokenStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("auth: create token bucket: %w", err)
	}
	return &TokenStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (ts *TokenStore) Close() error {
	return ts.db.Close()
}

// Issue stores a new random token for identity, valid for ttl (zero never
// expires), and returns it.
func (ts *TokenStore) Issue(identity types.Identity, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("auth: issue: empty identity")
	}
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("auth: issue: %w", err)
	}
	token := base58.Encode(b[:])

	now := ts.now()
	entry := issuedEntry{Identity: string(identity), IssuedAt: now.Unix()}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl).Unix()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	err = ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(token), data)
	})
	if err != nil {
		return "", fmt.Errorf("auth: issue: %w", err)
	}
	return token, nil
}

// Revoke deletes token. Connections already accepted with it stay open;
// revocation only affects future handshakes.
func (ts *TokenStore) Revoke(token string) error {
	return ts.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		if b.Get([]byte(token)) == nil {
			return ErrTokenNotFound
		}
		return b.Delete([]byte(token))
	})
}

// Resolve looks up md.Token and returns the identity it was issued to.
func (ts *TokenStore) Resolve(_ context.Context, md Metadata) (types.Identity, error) {
	if md.Token == "" {
		return "", ErrNoCredential
	}
	var entry issuedEntry
	err := ts.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get([]byte(md.Token))
		if data == nil {
			return ErrInvalidToken
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return ErrInvalidToken
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if entry.ExpiresAt != 0 && ts.now().Unix() >= entry.ExpiresAt {
		return "", ErrExpiredToken
	}
	return types.Identity(entry.Identity), nil
}

// List returns every stored token.
func (ts *TokenStore) List() ([]IssuedToken, error) {
	var out []IssuedToken
	err := ts.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(k, v []byte) error {
			var entry issuedEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			it := IssuedToken{
				Token:    string(k),
				Identity: types.Identity(entry.Identity),
				IssuedAt: time.Unix(entry.IssuedAt, 0),
			}
			if entry.ExpiresAt != 0 {
				it.ExpiresAt = time.Unix(entry.ExpiresAt, 0)
			}
			out = append(out, it)
			return nil
		})
	})
	return out, err
}

// SweepExpired removes expired and malformed tokens and returns how many were
// removed. relayd calls it once on startup.
func (ts *TokenStore) SweepExpired() (int, error) {
	now := ts.now().Unix()
	var removed int
	err := ts.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		var toDelete [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var entry issuedEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				toDelete = append(toDelete, append([]byte{}, k...))
				return nil
			}
			if entry.ExpiresAt != 0 && entry.ExpiresAt <= now {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	return removed, err
}
