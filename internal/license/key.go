package license

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current license key wire format version. Decoding
// dispatches on this field; bumping it requires a new canonicalizer so
// that every already-issued key keeps verifying byte for byte.
const SchemaVersion = 1

// LicenseIDPrefix starts every generated license identifier.
const LicenseIDPrefix = "LIC"

// LicensePayload is the signed, immutable body of a license key. The
// canonical JSON serialization of this struct is what gets signed, so
// field order and encoding are frozen for schema version 1.
type LicensePayload struct {
	LicenseID        string           `json:"license_id"`
	Tier             Tier             `json:"tier"`
	CustomerName     string           `json:"customer_name"`
	CustomerEmail    string           `json:"customer_email"`
	CustomerCompany  string           `json:"customer_company,omitempty"`
	IssuedAt         time.Time        `json:"issued_at"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	MaxInstallations int              `json:"max_installations"`
	Features         []string         `json:"features"`
	Limits           map[string]int64 `json:"limits"`
}

// SignedLicenseKey is the distributed unit: payload plus an RSA-PSS
// signature over the canonical payload bytes. Never reassembled from
// parts without re-signing.
type SignedLicenseKey struct {
	SchemaVersion int            `json:"schema_version"`
	Payload       LicensePayload `json:"payload"`
	Signature     []byte         `json:"signature"`
}

// NewLicenseID generates an identifier of the form LIC-20260830-4F7A21BC:
// human-decodable issue date plus a random suffix.
func NewLicenseID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:8]
	return fmt.Sprintf("%s-%s-%s", LicenseIDPrefix, now.UTC().Format("20060102"), suffix)
}

// CanonicalPayloadBytes returns the deterministic serialization of the
// payload used for signing and verification. encoding/json emits struct
// fields in declaration order and map keys sorted, so the only extra
// normalization needed is a sorted feature list and UTC timestamps.
func CanonicalPayloadBytes(p LicensePayload) ([]byte, error) {
	p.IssuedAt = p.IssuedAt.UTC()
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	if p.Features != nil {
		features := make([]string, len(p.Features))
		copy(features, p.Features)
		sort.Strings(features)
		p.Features = features
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return data, nil
}

// EncodeKey serializes a signed key into the base64 string handed to
// customers.
func EncodeKey(key *SignedLicenseKey) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode license key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeKey parses a distributed key string. It returns ErrMalformedKey
// for anything that is not base64-wrapped JSON, and ErrUnknownSchema for
// a schema version this build does not understand. Signature checking is
// a separate step (Verifier.VerifyKey).
func DecodeKey(keyString string) (*SignedLicenseKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyString))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedKey, err)
	}

	var key SignedLicenseKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedKey, err)
	}

	if key.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrUnknownSchema, key.SchemaVersion)
	}
	if err := validatePayloadFields(key.Payload); err != nil {
		return nil, err
	}
	if len(key.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrUnknownSchema)
	}

	return &key, nil
}

// validatePayloadFields enforces the required-field contract for schema
// version 1.
func validatePayloadFields(p LicensePayload) error {
	switch {
	case p.LicenseID == "":
		return fmt.Errorf("%w: missing license_id", ErrUnknownSchema)
	case !strings.HasPrefix(p.LicenseID, LicenseIDPrefix+"-"):
		return fmt.Errorf("%w: malformed license_id %q", ErrUnknownSchema, p.LicenseID)
	case p.Tier == "":
		return fmt.Errorf("%w: missing tier", ErrUnknownSchema)
	case p.CustomerEmail == "":
		return fmt.Errorf("%w: missing customer_email", ErrUnknownSchema)
	case p.IssuedAt.IsZero():
		return fmt.Errorf("%w: missing issued_at", ErrUnknownSchema)
	case p.MaxInstallations < 1:
		return fmt.Errorf("%w: max_installations must be >= 1", ErrUnknownSchema)
	}
	if !p.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrUnknownSchema, p.Tier)
	}
	return nil
}

// IsExpired reports whether the payload has an expiry in the past.
// A nil ExpiresAt means perpetual.
func (p LicensePayload) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}
