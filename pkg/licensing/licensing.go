// Package licensing is the embeddable client surface of the license
// system: the chat application constructs one Client at startup, gates
// features on GetEffectiveTier and leaves the check-in schedule to the
// background loop. It wraps the internal validator so consuming
// modules never touch internal packages.
package licensing

import (
	"context"
	"log/slog"
	"time"

	"relaylic/internal/license"
	"relaylic/internal/security"
	"relaylic/pkg/contracts/domain"
)

// Config configures the embedded license client.
type Config struct {
	// PublicKeyPEM is the signing public key distributed with the build.
	PublicKeyPEM []byte
	// ServerURL is the licensing server base URL. Empty disables
	// check-ins entirely (pure offline operation).
	ServerURL string
	// StateFilePath persists the check-in schedule across restarts.
	StateFilePath string
	// FingerprintPath caches the stable installation identifier.
	FingerprintPath string
	// GraceDays extends the check-in window after a failed check-in.
	// Zero means the default.
	GraceDays int
	// AppVersion is reported on check-ins.
	AppVersion string
}

// Client validates license keys and reports the effective tier.
type Client struct {
	validator *license.Validator
}

// New constructs a license client from the distributed public key.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	verifier, err := license.NewVerifierFromPEM(cfg.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	fingerprints := security.NewFingerprintManager(cfg.FingerprintPath)
	validator := license.NewValidator(license.ValidatorConfig{
		ServerURL:     cfg.ServerURL,
		StateFilePath: cfg.StateFilePath,
		GraceDays:     cfg.GraceDays,
		AppVersion:    cfg.AppVersion,
	}, verifier, fingerprints, logger)
	return &Client{validator: validator}, nil
}

// Validate checks a key offline without installing it.
func (c *Client) Validate(key string) domain.ValidationResult {
	return c.validator.Validate(key)
}

// SubmitLicenseKey validates a key and, on success, makes it the
// current license.
func (c *Client) SubmitLicenseKey(key string) domain.ValidationResult {
	return c.validator.SubmitLicenseKey(key)
}

// RemoveLicense clears all local license state.
func (c *Client) RemoveLicense() {
	c.validator.RemoveLicense()
}

// GetEffectiveTier is what the application gates features on.
func (c *Client) GetEffectiveTier() domain.EffectiveTier {
	return c.validator.GetEffectiveTier()
}

// ForceCheckin performs an immediate check-in regardless of schedule.
func (c *Client) ForceCheckin(ctx context.Context) domain.CheckinResult {
	return c.validator.ForceCheckin(ctx)
}

// StartCheckinLoop launches the background scheduler; non-blocking.
func (c *Client) StartCheckinLoop(ctx context.Context) {
	c.validator.StartCheckinLoop(ctx)
}

// Status reports the check-in state and the last successful check.
func (c *Client) Status() (state string, lastCheck *time.Time) {
	s, last := c.validator.CurrentState()
	return string(s), last
}

// Registered reports whether the licensing server acknowledged the
// current license on the most recent completed check-in.
func (c *Client) Registered() bool {
	return c.validator.Registered()
}
