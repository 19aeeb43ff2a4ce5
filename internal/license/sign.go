package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Signer holds the RSA private key and produces signed license keys.
// It is an operator-side tool and is never part of a deployed
// application; deployments only ever carry the public key.
type Signer struct {
	privateKey *rsa.PrivateKey
}

// NewSigner wraps an already-loaded private key.
func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// LoadSigner reads a PEM-encoded RSA private key (PKCS#1 or PKCS#8)
// from disk.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key.
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}

// Sign produces a complete signed key for the payload: RSA-PSS over
// SHA-256 of the canonical payload bytes.
func (s *Signer) Sign(payload LicensePayload) (*SignedLicenseKey, error) {
	canonical, err := CanonicalPayloadBytes(payload)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(canonical)
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}

	return &SignedLicenseKey{
		SchemaVersion: SchemaVersion,
		Payload:       payload,
		Signature:     sig,
	}, nil
}

// SignToString signs the payload and returns the distributable base64
// key string in one step.
func (s *Signer) SignToString(payload LicensePayload) (string, error) {
	key, err := s.Sign(payload)
	if err != nil {
		return "", err
	}
	return EncodeKey(key)
}

// PublicKey returns the verification half of the signing key, for
// embedding into application builds.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.privateKey.PublicKey
}
