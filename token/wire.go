package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hoistsec/hoist/types"
)

// Wire format: base64url(payload JSON) "." base64url(signature). The
// payload is the token with the signature field cleared, so the
// signature covers every other field. A hook holding the public key can
// validate the blob without any network round-trip.

// SigningPayload returns the canonical bytes the signature covers.
func SigningPayload(tok *types.ElevationToken) ([]byte, error) {
	unsigned := *tok
	unsigned.Signature = nil
	payload, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token payload: %w", err)
	}
	return payload, nil
}

// EncodeWire serializes a signed token for transport.
func EncodeWire(tok *types.ElevationToken) (string, error) {
	if len(tok.Signature) == 0 {
		return "", fmt.Errorf("cannot encode unsigned token %s", tok.ID)
	}
	payload, err := SigningPayload(tok)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(tok.Signature), nil
}

// DecodeWire parses a wire blob back into a token plus the exact
// payload bytes the signature was computed over.
func DecodeWire(blob string) (*types.ElevationToken, []byte, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 2 {
		return nil, nil, ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, ErrMalformedToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrMalformedToken
	}

	var tok types.ElevationToken
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, nil, ErrMalformedToken
	}
	tok.Signature = signature

	return &tok, payload, nil
}
