package commands

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Flags holds the global relayctl flags shared by every command.
type Flags struct {
	LogLevel string

	// HTTPURL is the relay's HTTP base URL, e.g. http://localhost:8080.
	HTTPURL string

	// GRPCAddr is the relay's Publisher service address, host:port.
	GRPCAddr string

	// APIKey authenticates producers on gRPC and the HTTP publish endpoint.
	APIKey       string
	APIKeyHeader string
}

// DefaultSecretEnv is the environment variable read by token mint when
// --secret-env is not given. It matches the example relayd config.
const DefaultSecretEnv = "RELAY_SESSION_SECRET"

// outgoing adds the API key to ctx as gRPC metadata when one is set.
func (f *Flags) outgoing(ctx context.Context) context.Context {
	if f.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, f.header(), f.APIKey)
}

func (f *Flags) header() string {
	if f.APIKeyHeader == "" {
		return "x-api-key"
	}
	return f.APIKeyHeader
}

func (f *Flags) url(path string) (string, error) {
	if f.HTTPURL == "" {
		return "", fmt.Errorf("--http is required")
	}
	return strings.TrimRight(f.HTTPURL, "/") + path, nil
}
