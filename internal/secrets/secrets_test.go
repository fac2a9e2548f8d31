package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvProviderResolve(t *testing.T) {
	t.Setenv("SANDUKU_TEST_TOKEN", "123:abc")

	p := NewEnvProvider()
	secret, err := p.Resolve(context.Background(), "env://SANDUKU_TEST_TOKEN")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret.Value != "123:abc" {
		t.Errorf("value = %q, want 123:abc", secret.Value)
	}
	if secret.Metadata["variable"] != "SANDUKU_TEST_TOKEN" {
		t.Errorf("variable = %q, want SANDUKU_TEST_TOKEN", secret.Metadata["variable"])
	}
}

func TestEnvProviderRejects(t *testing.T) {
	t.Setenv("SANDUKU_TEST_EMPTY", "")

	p := NewEnvProvider()
	for _, ref := range []string{"vault://secret/data/x", "env://", "env://SANDUKU_TEST_EMPTY"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("Resolve(%q): expected ErrSecretNotFound, got %v", ref, err)
		}
	}
}

type stubProvider struct {
	name   string
	secret *Secret
	err    error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Resolve(context.Context, string) (*Secret, error) {
	return s.secret, s.err
}

func TestChainFirstWins(t *testing.T) {
	chain := NewChain(
		&stubProvider{name: "a", err: ErrSecretNotFound},
		&stubProvider{name: "b", secret: &Secret{Value: "from-b"}},
		&stubProvider{name: "c", secret: &Secret{Value: "from-c"}},
	)

	secret, err := chain.Resolve(context.Background(), "env://X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret.Value != "from-b" {
		t.Errorf("value = %q, want from-b", secret.Value)
	}
}

func TestChainAllFail(t *testing.T) {
	chain := NewChain(
		&stubProvider{name: "a", err: ErrSecretNotFound},
		&stubProvider{name: "b", err: ErrSecretNotFound},
	)

	if _, err := chain.Resolve(context.Background(), "env://X"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestChainEmpty(t *testing.T) {
	if _, err := NewChain().Resolve(context.Background(), "env://X"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}
