package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer produces and verifies token signatures. Verification must not
// require a network round-trip so hooks can validate tokens offline.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	Verify(payload, signature []byte) error
	Algorithm() string
}

// LocalSigner signs with an in-process Ed25519 key.
type LocalSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewLocalSigner generates a fresh Ed25519 keypair.
func NewLocalSigner() (*LocalSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &LocalSigner{priv: priv, pub: pub}, nil
}

// NewLocalSignerFromSeed derives the keypair from a 32-byte seed, so a
// key can be shared across replicas via configuration.
func NewLocalSignerFromSeed(seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &LocalSigner{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign implements Signer.
func (s *LocalSigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

// Verify implements Signer.
func (s *LocalSigner) Verify(payload, signature []byte) error {
	if !ed25519.Verify(s.pub, payload, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Algorithm implements Signer.
func (s *LocalSigner) Algorithm() string {
	return "ed25519"
}

// PublicKey returns the verification key for distribution to hooks.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.pub
}
