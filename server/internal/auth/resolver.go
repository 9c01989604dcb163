package auth

import (
	"context"
	"errors"

	"github.com/relaycast/relaycast/pkg/types"
)

var (
	// ErrNoCredential means the handshake carried no credential at all.
	ErrNoCredential = errors.New("auth: no credential")
	// ErrInvalidToken means the credential could not be decoded, opened or found.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken means the credential was genuine but is past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// Metadata is what the transport knows about a connecting client.
type Metadata struct {
	// Token is the raw credential from the session cookie, query string or
	// Authorization header, in that order of preference.
	Token      string
	RemoteAddr string
	Origin     string
}

// Resolver resolves a connecting client's identity from its handshake metadata.
type Resolver interface {
	Resolve(ctx context.Context, md Metadata) (types.Identity, error)
}

// ResolverFunc adapts an ordinary function to the Resolver interface.
type ResolverFunc func(ctx context.Context, md Metadata) (types.Identity, error)

// Resolve calls f(ctx, md).
func (f ResolverFunc) Resolve(ctx context.Context, md Metadata) (types.Identity, error) {
	return f(ctx, md)
}

// Chain returns a Resolver that tries each resolver in order and returns the
// first identity resolved. When every resolver fails, the most specific error
// wins: expired over invalid over missing.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, md Metadata) (types.Identity, error) {
		if md.Token == "" {
			return "", ErrNoCredential
		}
		best := ErrNoCredential
		for _, r := range resolvers {
			id, err := r.Resolve(ctx, md)
			if err == nil {
				return id, nil
			}
			if rank(err) > rank(best) {
				best = err
			}
		}
		return "", best
	})
}

func rank(err error) int {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return 3
	case errors.Is(err, ErrInvalidToken):
		return 2
	case errors.Is(err, ErrNoCredential):
		return 0
	default:
		// Storage or other operational errors.
		return 1
	}
}
