package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/jkaninda/sanduku/internal/runtime"
)

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Credential methods recorded by the provisioner.
const (
	credentialMethodHashed   = "openssl+usermod"
	credentialMethodChpasswd = "chpasswd"
	credentialMethodNone     = "none"
)

// CredentialProvisioner sets a fresh login secret on the sandbox
// account. Every strategy failing is tolerated: the sandbox stays
// usable through exec and the web terminal, so a missing password is a
// warning, not a provisioning failure.
type CredentialProvisioner struct {
	exec   execer
	login  string
	length int
	logger *slog.Logger
}

func NewCredentialProvisioner(exec execer, login string, length int, logger *slog.Logger) *CredentialProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if login == "" {
		login = "devuser"
	}
	if length <= 0 {
		length = 12
	}
	return &CredentialProvisioner{exec: exec, login: login, length: length, logger: logger}
}

type credentialStrategy struct {
	name  string
	apply func(ctx context.Context, containerID, secret string) error
}

// Provision generates a random secret and installs it on the login
// account inside the container. The secret is generated before any
// container interaction, so the returned value is valid even when every
// install strategy fails; method reports which strategy applied it, or
// "none".
func (p *CredentialProvisioner) Provision(ctx context.Context, containerID string) (secret, method string, err error) {
	secret, err = randomSecret(p.length)
	if err != nil {
		return "", "", fmt.Errorf("generating credential: %w", err)
	}

	p.ensureAccount(ctx, containerID)

	strategies := []credentialStrategy{
		{name: credentialMethodHashed, apply: p.applyHashed},
		{name: credentialMethodChpasswd, apply: p.applyChpasswd},
	}
	for _, s := range strategies {
		if ctx.Err() != nil {
			return secret, credentialMethodNone, ctx.Err()
		}
		if err := s.apply(ctx, containerID, secret); err != nil {
			p.logger.Warn("credential strategy failed", "strategy", s.name, "container", containerID, "error", err)
			continue
		}
		p.logger.Info("credential installed", "strategy", s.name, "container", containerID, "user", p.login)
		return secret, s.name, nil
	}

	p.logger.Warn("no credential strategy succeeded, continuing without password", "container", containerID, "user", p.login)
	return secret, credentialMethodNone, nil
}

// ensureAccount creates the login account if the image does not ship
// it. Failure is left to surface through the install strategies.
func (p *CredentialProvisioner) ensureAccount(ctx context.Context, containerID string) {
	cmd := fmt.Sprintf("id -u %s >/dev/null 2>&1 || useradd -m -s /bin/bash %s", p.login, p.login)
	res, err := p.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: cmd, User: "root"})
	if err != nil {
		p.logger.Warn("account check failed", "container", containerID, "user", p.login, "error", err)
		return
	}
	if res.ExitCode != 0 {
		p.logger.Warn("account creation failed", "container", containerID, "user", p.login, "output", strings.TrimSpace(res.Combined()))
	}
}

// applyHashed hashes the secret with openssl inside the container and
// installs the hash via usermod.
func (p *CredentialProvisioner) applyHashed(ctx context.Context, containerID, secret string) error {
	res, err := p.exec.Exec(ctx, containerID, runtime.ExecRequest{
		Cmd:  fmt.Sprintf("openssl passwd -6 '%s'", secret),
		User: "root",
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("openssl passwd exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	hash := strings.TrimSpace(res.Stdout)
	if hash == "" {
		return fmt.Errorf("openssl passwd produced no hash")
	}
	res, err = p.exec.Exec(ctx, containerID, runtime.ExecRequest{
		Cmd:  fmt.Sprintf("usermod -p '%s' %s", hash, p.login),
		User: "root",
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("usermod exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	return nil
}

func (p *CredentialProvisioner) applyChpasswd(ctx context.Context, containerID, secret string) error {
	res, err := p.exec.Exec(ctx, containerID, runtime.ExecRequest{
		Cmd:  fmt.Sprintf("echo %s:%s | chpasswd", p.login, secret),
		User: "root",
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chpasswd exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	return nil
}

// randomSecret draws n characters from the alphanumeric alphabet
// using crypto/rand.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = secretAlphabet[v.Int64()]
	}
	return string(b), nil
}
