// Package secrets resolves opaque credential references into secret material.
// Gateways use it for bot tokens and API keys so that raw credentials never
// have to live inside the config file. References name their backend:
// "env://VARIABLE" or "vault://secret/data/path#field".
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Secret holds resolved credential material. Never serialize it into
// responses or logs.
type Secret struct {
	Value    string            // The raw secret value (token, password, key).
	Metadata map[string]string // Backend-specific metadata (source, path, version).
}

// Provider resolves credential references for a single backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve turns a credential reference into secret material.
	// Returns ErrSecretNotFound when the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name identifies the provider in logs. Never includes secret material.
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// EnvProvider resolves "env://VARIABLE" references from the process environment.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	const prefix = "env://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references, got %q", ErrSecretNotFound, ref)
	}
	name := strings.TrimPrefix(ref, prefix)
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}

// Chain tries each provider in order; the first successful resolution wins.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider that delegates to the given providers in order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, p := range c.providers {
		secret, err := p.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, ref)
}
