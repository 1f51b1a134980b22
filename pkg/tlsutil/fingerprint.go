package tlsutil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NormalizeFingerprint strips colons and whitespace and lowercases a hex
// SHA-256 certificate fingerprint.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fingerprint), ":", ""))
}

// CertFingerprint returns the hex SHA-256 of a DER certificate.
func CertFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// PinnedTLSConfig accepts only a leaf certificate whose SHA-256 matches
// fingerprint. Chain validation is replaced by the pin.
func PinnedTLSConfig(fingerprint string) (*tls.Config, error) {
	expected := NormalizeFingerprint(fingerprint)
	if len(expected) != sha256.Size*2 {
		return nil, fmt.Errorf("certificate fingerprint must be %d hex characters, got %d", sha256.Size*2, len(expected))
	}
	if _, err := hex.DecodeString(expected); err != nil {
		return nil, fmt.Errorf("certificate fingerprint is not hex: %w", err)
	}

	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // replaced by VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificates presented by server")
			}
			if actual := CertFingerprint(rawCerts[0]); actual != expected {
				return fmt.Errorf("certificate fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return nil
		},
	}, nil
}

// NewPinnedHTTPClient is NewHTTPClient with the server certificate pinned to
// fingerprint. An empty fingerprint keeps normal CA verification.
func NewPinnedHTTPClient(d *CachedDialer, timeout time.Duration, fingerprint string) (*http.Client, error) {
	client := NewHTTPClient(d, timeout)
	if strings.TrimSpace(fingerprint) == "" {
		return client, nil
	}
	cfg, err := PinnedTLSConfig(fingerprint)
	if err != nil {
		return nil, err
	}
	client.Transport.(*http.Transport).TLSClientConfig = cfg
	return client, nil
}
