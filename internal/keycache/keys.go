// Package keycache resolves the public keys used to verify store receipts.
package keycache

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

var (
	ErrKeyNotFound  = errors.New("verification key not cached")
	ErrMalformedKey = errors.New("malformed verification key")
)

// PublicKey is a decoded verification key.
type PublicKey struct {
	Platform    purchases.Platform
	Key         crypto.PublicKey
	Encoded     string
	Fingerprint string
}

// ParsePublicKey decodes a base64 (standard or URL-safe) or PEM encoded key.
// A raw 32 byte value is an Ed25519 key; anything else must be PKIX DER for
// RSA, ECDSA or Ed25519.
func ParsePublicKey(encoded string) (crypto.PublicKey, []byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil, fmt.Errorf("%w: empty", ErrMalformedKey)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(encoded)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
			}
		}
		der = decoded
	}

	if len(der) == ed25519.PublicKeySize {
		return ed25519.PublicKey(der), der, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	switch parsed.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return parsed, der, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported key type %T", ErrMalformedKey, parsed)
	}
}

// Fingerprint returns the SHA256 fingerprint of the key bytes.
func Fingerprint(der []byte) string {
	if len(der) == 0 {
		return ""
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

func decode(platform purchases.Platform, encoded string) (*PublicKey, error) {
	key, der, err := ParsePublicKey(encoded)
	if err != nil {
		return nil, err
	}
	return &PublicKey{
		Platform:    platform,
		Key:         key,
		Encoded:     strings.TrimSpace(encoded),
		Fingerprint: Fingerprint(der),
	}, nil
}
