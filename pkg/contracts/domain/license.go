// Package domain holds the wire contracts shared between the licensing
// server, the client-side validator and the surrounding chat
// application. Handlers and the validator speak only these types; the
// raw signed payload never crosses this boundary.
package domain

import "time"

// VerifyRequest is the body of POST /api/v1/verify. Verify is
// intentionally unauthenticated: it is how a customer's deployed
// instance proves itself.
type VerifyRequest struct {
	LicenseKey          string `json:"license_key" validate:"required"`
	InstanceFingerprint string `json:"instance_fingerprint" validate:"required"`
	Hostname            string `json:"hostname,omitempty"`
	Platform            string `json:"platform,omitempty"`
	AppVersion          string `json:"app_version,omitempty"`
}

// VerifyResponse is the body of every verify outcome; the HTTP status
// carries the verdict (200, 403, 404).
type VerifyResponse struct {
	Valid            bool       `json:"valid"`
	LicenseID        string     `json:"license_id,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsRevoked        bool       `json:"is_revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	Message          string     `json:"message,omitempty"`
	// Populated on installation-limit rejections.
	MaxInstallations    int `json:"max_installations,omitempty"`
	ActiveInstallations int `json:"active_installations,omitempty"`
}

// ImportLicenseRequest registers an issued key with the server so it
// becomes revocable and installation-capped.
type ImportLicenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

// RevokeRequest is the body of POST /api/v1/admin/revoke.
type RevokeRequest struct {
	LicenseID string `json:"license_id" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

// RestoreRequest is the body of POST /api/v1/admin/restore.
type RestoreRequest struct {
	LicenseID string `json:"license_id" validate:"required"`
}

// LicenseSummary is one row in the admin license listing.
type LicenseSummary struct {
	LicenseID        string     `json:"license_id"`
	Tier             string     `json:"tier"`
	CustomerName     string     `json:"customer_name"`
	CustomerEmail    string     `json:"customer_email"`
	CustomerCompany  string     `json:"customer_company,omitempty"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	MaxInstallations int        `json:"max_installations"`
	IsRevoked        bool       `json:"is_revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// Installation is one active fingerprint in the admin installations
// listing. The recency window behind this listing is the same one used
// for limit enforcement.
type Installation struct {
	InstanceFingerprint string    `json:"instance_fingerprint"`
	Hostname            string    `json:"hostname,omitempty"`
	Platform            string    `json:"platform,omitempty"`
	AppVersion          string    `json:"app_version,omitempty"`
	LastCheckinAt       time.Time `json:"last_checkin_at"`
	IPAddress           string    `json:"ip_address,omitempty"`
}

// InstallationsResponse is the body of
// GET /api/v1/admin/licenses/{id}/installations.
type InstallationsResponse struct {
	LicenseID        string         `json:"license_id"`
	WindowDays       int            `json:"window_days"`
	MaxInstallations int            `json:"max_installations"`
	Installations    []Installation `json:"installations"`
}

// EffectiveTier is the consumer-facing view the chat application gates
// features on. Features and limits are derived from the tier table, not
// read from the payload.
type EffectiveTier struct {
	Tier     string           `json:"tier"`
	Features []string         `json:"features"`
	Limits   map[string]int64 `json:"limits"`
}

// ValidationResult is returned to the admin UI when a key is submitted.
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Tier      string           `json:"tier"`
	Features  []string         `json:"features"`
	Limits    map[string]int64 `json:"limits"`
	LicenseID string           `json:"license_id,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// CheckinResult reports the outcome of a manual force check-in.
// Registered distinguishes a server that accepted the license from one
// that has never seen it: an unregistered key stays fully valid
// offline, but the server cannot revoke it or cap its installations.
type CheckinResult struct {
	Performed   bool       `json:"performed"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	State       string     `json:"state"`
	Registered  bool       `json:"registered"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
}
