package license

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Verifier holds only the RSA public key and checks key signatures.
// Pure: no I/O, no clock.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier wraps an already-loaded public key.
func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{publicKey: key}
}

// NewVerifierFromPEM parses a PEM-encoded RSA public key (PKIX or
// PKCS#1). This is how the key distributed with application builds is
// loaded.
func NewVerifierFromPEM(pemData []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key data")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return NewVerifier(key), nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", parsed)
	}
	return NewVerifier(key), nil
}

// Verify checks an RSA-PSS/SHA-256 signature over the given payload
// bytes. The bytes must be the exact canonical serialization used at
// signing time.
func (v *Verifier) Verify(payloadBytes, signature []byte) error {
	digest := sha256.Sum256(payloadBytes)
	if err := rsa.VerifyPSS(v.publicKey, crypto.SHA256, digest[:], signature, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyKey recomputes the canonical bytes of a decoded key's payload
// and checks its signature against them. Any post-signing mutation of
// the payload fails here.
func (v *Verifier) VerifyKey(key *SignedLicenseKey) error {
	canonical, err := CanonicalPayloadBytes(key.Payload)
	if err != nil {
		return err
	}
	return v.Verify(canonical, key.Signature)
}

// MarshalPublicKeyPEM renders a public key as PKIX PEM, the format the
// signer tool emits for embedding into builds.
func MarshalPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
