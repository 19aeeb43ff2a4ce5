package license

import "errors"

// Error taxonomy for license operations. Local validation errors
// (malformed, invalid signature, expired) are terminal for the submitted
// key. Network-shaped errors are recoverable through the grace period.
var (
	ErrMalformedKey      = errors.New("malformed license key")
	ErrUnknownSchema     = errors.New("unknown license key schema")
	ErrInvalidSignature  = errors.New("invalid license signature")
	ErrExpired           = errors.New("license expired")
	ErrRevoked           = errors.New("license revoked")
	ErrInstallationLimit = errors.New("installation limit exceeded")
	ErrServerUnreachable = errors.New("licensing server unreachable")
	ErrNoLicense         = errors.New("no license installed")

	// ErrNotRegistered means the server has never heard of this key.
	// Purely offline-signed licenses hit this on every check-in; it is
	// informational, not a validation failure.
	ErrNotRegistered = errors.New("license not registered with server")
)

// Machine-readable error codes used on the wire and in logs.
const (
	CodeMalformedKey      = "MALFORMED_KEY"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeExpired           = "LICENSE_EXPIRED"
	CodeRevoked           = "LICENSE_REVOKED"
	CodeInstallationLimit = "INSTALLATION_LIMIT_EXCEEDED"
	CodeNotRegistered     = "LICENSE_NOT_REGISTERED"
	CodeServerUnreachable = "SERVER_UNREACHABLE"
	CodeNoLicense         = "NO_LICENSE"
)

// ClassifyError maps a validation or check-in error to its wire code for
// logging and API responses. Unknown errors map to an empty string.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedKey), errors.Is(err, ErrUnknownSchema):
		return CodeMalformedKey
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrRevoked):
		return CodeRevoked
	case errors.Is(err, ErrInstallationLimit):
		return CodeInstallationLimit
	case errors.Is(err, ErrNotRegistered):
		return CodeNotRegistered
	case errors.Is(err, ErrServerUnreachable):
		return CodeServerUnreachable
	case errors.Is(err, ErrNoLicense):
		return CodeNoLicense
	default:
		return "UNKNOWN_ERROR"
	}
}
