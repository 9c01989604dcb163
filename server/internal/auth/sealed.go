package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/relaycast/relaycast/pkg/types"
)

const nonceSize = 24

// sealedClaims is the plaintext inside a sealed token.
type sealedClaims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp,omitempty"` // Unix seconds; zero never expires
}

// SealedTokens mints and opens self-contained session tokens:
// base58(nonce || secretbox(claims)).
type SealedTokens struct {
	key [32]byte
	now func() time.Time
}

// NewSealedTokens returns a SealedTokens keyed with secret, which must be
// exactly 32 bytes.
func NewSealedTokens(secret []byte) (*SealedTokens, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("auth: sealed token secret must be 32 bytes, got %d", len(secret))
	}
	s := &SealedTokens{now: time.Now}
	copy(s.key[:], secret)
	return s, nil
}

// Mint seals identity into a token valid for ttl. A zero ttl never expires.
func (s *SealedTokens) Mint(identity types.Identity, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("auth: mint: empty identity")
	}
	now := s.now()
	claims := sealedClaims{Subject: string(identity), IssuedAt: now.Unix()}
	if ttl > 0 {
		claims.ExpiresAt = now.Add(ttl).Unix()
	}
	plain, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: mint: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("auth: mint: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, &s.key)
	return base58.Encode(box), nil
}

// Resolve opens md.Token and returns the identity sealed inside it.
func (s *SealedTokens) Resolve(_ context.Context, md Metadata) (types.Identity, error) {
	if md.Token == "" {
		return "", ErrNoCredential
	}
	raw, err := base58.Decode(md.Token)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrInvalidToken
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrInvalidToken
	}

	var claims sealedClaims
	if err := json.Unmarshal(plain, &claims); err != nil || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && s.now().Unix() >= claims.ExpiresAt {
		return "", ErrExpiredToken
	}
	return types.Identity(claims.Subject), nil
}
