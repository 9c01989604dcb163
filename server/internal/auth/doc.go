// Package auth authenticates both sides of the relay.
//
// Websocket clients present an opaque credential once, at handshake time.
// A Resolver turns the credential carried in Metadata into a types.Identity:
//
//   - SealedTokens: self-contained tokens sealed with nacl/secretbox and
//     base58 encoded. The relay holds the 32-byte secret; anything holding
//     the same secret (relayctl token mint, the embedding web application)
//     can mint session cookies the relay accepts.
//   - TokenStore: random tokens issued into a bbolt database, revocable.
//   - Chain: tries resolvers in order and reports the most specific failure.
//
// Failures are ErrNoCredential, ErrInvalidToken or ErrExpiredToken; callers
// treat all of them as a rejected handshake.
//
// Producers authenticate with a static API key. APIKeyInterceptor guards the
// gRPC Publisher service and APIKeyMiddleware guards the REST publish route.
// When mode != "apikey" or the key is empty, both pass every call through
// (useful for local development with auth disabled).
package auth
