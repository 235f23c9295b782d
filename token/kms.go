package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client the signer uses.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs with an asymmetric ECDSA P-256 key held in AWS KMS.
// The public key is fetched once at construction so verification stays
// local and offline.
type KMSSigner struct {
	client KMSAPI
	keyID  string
	pub    *ecdsa.PublicKey
}

// NewKMSSigner creates a signer backed by the given KMS key.
func NewKMSSigner(ctx context.Context, client KMSAPI, keyID string) (*KMSSigner, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch KMS public key: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("KMS key %s is not an ECDSA key", keyID)
	}

	return &KMSSigner{client: client, keyID: keyID, pub: pub}, nil
}

// Sign implements Signer.
func (s *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign failed: %w", err)
	}
	return out.Signature, nil
}

// Verify implements Signer. Verification is local against the cached
// public key; no KMS round-trip on the validation hot path.
func (s *KMSSigner) Verify(payload, signature []byte) error {
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(s.pub, digest[:], signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Algorithm implements Signer.
func (s *KMSSigner) Algorithm() string {
	return "ecdsa-p256-kms"
}
