package license

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaylic/internal/security"
	"relaylic/pkg/contracts/domain"
)

// ValidatorConfig configures the client-side validator.
type ValidatorConfig struct {
	// ServerURL is the licensing server base URL, e.g.
	// "https://licensing.relay.chat". Empty disables check-ins entirely
	// (pure offline operation).
	ServerURL string
	// StateFilePath persists the check-in schedule across restarts.
	StateFilePath string
	// GraceDays extends the 30-day window after a failed check-in.
	GraceDays int
	// AppVersion is reported on check-ins.
	AppVersion string
	// CheckinPollInterval is how often the background loop re-evaluates
	// whether a check-in is due. Distinct from the 30-day check-in
	// interval itself.
	CheckinPollInterval time.Duration
}

// Validator owns the client-side license state: the current key, its
// verified payload, the check-in schedule and the grace-period state
// machine. One instance per running application.
type Validator struct {
	cfg          ValidatorConfig
	verifier     *Verifier
	fingerprints *security.FingerprintManager
	logger       *slog.Logger
	httpClient   *http.Client
	now          func() time.Time
	flight       singleflight.Group

	mu              sync.Mutex
	currentKey      string
	payload         *LicensePayload
	valid           bool
	state           CheckinState
	lastServerCheck *time.Time
	firstAcceptedAt *time.Time
	unregistered    bool
}

// NewValidator constructs a validator. The verifier carries the public
// key distributed with this build; fingerprints supplies the stable
// installation identifier sent on check-ins.
func NewValidator(cfg ValidatorConfig, verifier *Verifier, fingerprints *security.FingerprintManager, logger *slog.Logger) *Validator {
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = DefaultGraceDays
	}
	if cfg.CheckinPollInterval <= 0 {
		cfg.CheckinPollInterval = 6 * time.Hour
	}
	v := &Validator{
		cfg:          cfg,
		verifier:     verifier,
		fingerprints: fingerprints,
		logger:       logger.With(slog.String("component", "license_validator")),
		httpClient:   &http.Client{Timeout: CheckinTimeout},
		now:          time.Now,
		state:        StateNoLicense,
	}
	return v
}

// Validate decodes and verifies a key offline and computes the derived
// tier. No network I/O. Local failures are terminal for the key: the
// effective tier drops to community immediately.
func (v *Validator) Validate(keyString string) domain.ValidationResult {
	key, err := DecodeKey(keyString)
	if err != nil {
		return v.invalidResult(err)
	}
	if err := v.verifier.VerifyKey(key); err != nil {
		return v.invalidResult(err)
	}
	if key.Payload.IsExpired(v.now()) {
		return v.invalidResult(ErrExpired)
	}

	tier := key.Payload.Tier
	return domain.ValidationResult{
		Valid:     true,
		Tier:      string(tier),
		Features:  FeaturesForTier(tier),
		Limits:    LimitsForTier(tier),
		LicenseID: key.Payload.LicenseID,
		ExpiresAt: key.Payload.ExpiresAt,
	}
}

func (v *Validator) invalidResult(err error) domain.ValidationResult {
	v.logger.Warn("license validation failed",
		slog.String("error", err.Error()),
		slog.String("error_code", ClassifyError(err)))
	return domain.ValidationResult{
		Valid:     false,
		Tier:      string(TierCommunity),
		Features:  FeaturesForTier(TierCommunity),
		Limits:    LimitsForTier(TierCommunity),
		ErrorCode: ClassifyError(err),
		Error:     err.Error(),
	}
}

// SubmitLicenseKey validates a key and, on success, installs it as the
// current license. Any previously persisted check-in schedule for the
// same license carries over, so resubmitting a key does not reset the
// grace window.
func (v *Validator) SubmitLicenseKey(keyString string) domain.ValidationResult {
	result := v.Validate(keyString)
	if !result.Valid {
		return result
	}

	key, _ := DecodeKey(keyString) // already validated above

	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentKey = keyString
	v.payload = &key.Payload
	v.valid = true
	v.state = NextState(v.state, EventKeyAccepted)
	now := v.now()
	v.firstAcceptedAt = &now
	v.lastServerCheck = nil
	v.unregistered = false

	if v.cfg.StateFilePath != "" {
		if stored, err := readCheckinState(v.cfg.StateFilePath, key.Payload.LicenseID); err != nil {
			v.logger.Warn("discarding unreadable check-in state",
				slog.String("error", err.Error()))
		} else if stored != nil {
			v.lastServerCheck = stored.LastCheckAt
			if stored.State == StateCheckinOK || stored.State == StateGracePeriod {
				v.state = stored.State
			}
		}
	}
	v.persistStateLocked()

	v.logger.Info("license key accepted",
		slog.String("license_id", key.Payload.LicenseID),
		slog.String("tier", string(key.Payload.Tier)),
		slog.String("key", MaskKey(keyString)))
	return result
}

// RemoveLicense clears all local license state, including the persisted
// check-in schedule.
func (v *Validator) RemoveLicense() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentKey = ""
	v.payload = nil
	v.valid = false
	v.state = StateNoLicense
	v.lastServerCheck = nil
	v.firstAcceptedAt = nil
	v.unregistered = false

	if v.cfg.StateFilePath != "" {
		if err := os.Remove(v.cfg.StateFilePath); err != nil && !os.IsNotExist(err) {
			v.logger.Warn("failed to remove check-in state file",
				slog.String("error", err.Error()))
		}
	}
	v.logger.Info("license removed")
}

// GetEffectiveTier is what the chat application gates features on. The
// cached tier stays in effect through the grace period; after the
// window lapses, or on revocation or limit rejection, it drops to
// community until a successful check-in restores it.
func (v *Validator) GetEffectiveTier() domain.EffectiveTier {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.effectiveTierLocked()
}

func (v *Validator) effectiveTierLocked() domain.EffectiveTier {
	tier := TierCommunity
	// Expiry is checked locally and is terminal: an expired license
	// earns no grace, whatever the check-in state says.
	if v.valid && v.payload != nil && !v.payload.IsExpired(v.now()) {
		switch v.state {
		case StateRevoked, StateDowngraded, StateNoLicense:
			// community
		case StateGracePeriod:
			if InGracePeriod(v.graceAnchorLocked(), v.now(), v.cfg.GraceDays) {
				tier = v.payload.Tier
			}
		default:
			tier = v.payload.Tier
		}
	}
	return domain.EffectiveTier{
		Tier:     string(tier),
		Features: FeaturesForTier(tier),
		Limits:   LimitsForTier(tier),
	}
}

// graceAnchorLocked is the timestamp the grace window is measured from:
// the last successful check-in, or first local acceptance when the
// installation has never reached the server.
func (v *Validator) graceAnchorLocked() *time.Time {
	if v.lastServerCheck != nil {
		return v.lastServerCheck
	}
	return v.firstAcceptedAt
}

// CurrentState exposes the check-in state for the admin status surface.
func (v *Validator) CurrentState() (CheckinState, *time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.lastServerCheck
}

// Registered reports whether the licensing server acknowledged this
// license on the most recent completed check-in. False before any
// check-in, and false after a 404: such a key verifies offline but the
// server cannot revoke it or enforce its installation cap.
func (v *Validator) Registered() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastServerCheck != nil && !v.unregistered
}

// StartCheckinLoop launches the background check-in scheduler. It is
// non-blocking: a slow or unreachable licensing server never delays the
// hosting application's readiness. The loop exits when ctx is canceled.
func (v *Validator) StartCheckinLoop(ctx context.Context) {
	if v.cfg.ServerURL == "" {
		v.logger.Info("no licensing server configured, check-ins disabled")
		return
	}
	go func() {
		v.maybeCheckin(ctx, false)

		ticker := time.NewTicker(v.cfg.CheckinPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.maybeCheckin(ctx, false)
			}
		}
	}()
}

// ForceCheckin performs an immediate check-in regardless of schedule,
// for the operator's manual action. It still respects the single-flight
// rule: a concurrent in-flight check-in is joined, not duplicated.
func (v *Validator) ForceCheckin(ctx context.Context) domain.CheckinResult {
	return v.maybeCheckin(ctx, true)
}

// maybeCheckin runs the scheduler once. Scheduled runs are skipped when
// no check-in is due; forced runs always go to the server.
func (v *Validator) maybeCheckin(ctx context.Context, force bool) domain.CheckinResult {
	v.mu.Lock()
	if !v.valid || v.currentKey == "" {
		v.mu.Unlock()
		return domain.CheckinResult{Performed: false, State: string(StateNoLicense),
			ErrorCode: ClassifyError(ErrNoLicense), Error: ErrNoLicense.Error()}
	}
	keyString := v.currentKey
	last := v.lastServerCheck
	v.mu.Unlock()

	due := ShouldPerformCheckin(last, v.now())
	if !force && !due {
		state, _ := v.CurrentState()
		return domain.CheckinResult{Performed: false, State: string(state)}
	}
	if due {
		// Transient marker while the check-in is in flight; the outcome
		// event replaces it. Not persisted.
		v.mu.Lock()
		v.state = NextState(v.state, EventCheckinDue)
		v.mu.Unlock()
	}

	result, err, _ := v.flight.Do("checkin", func() (any, error) {
		return v.performServerCheckin(ctx, keyString), nil
	})
	if err != nil {
		// singleflight itself never fails here; defensive only.
		return domain.CheckinResult{Performed: false, State: string(StateGracePeriod), Error: err.Error()}
	}
	return result.(domain.CheckinResult)
}

// performServerCheckin issues the verify call and applies the outcome
// to local state. Revocation and limit rejections downgrade
// immediately; unreachability is absorbed by the grace window.
func (v *Validator) performServerCheckin(ctx context.Context, keyString string) domain.CheckinResult {
	fingerprint, err := v.fingerprints.Fingerprint()
	if err != nil {
		v.logger.Error("fingerprint generation failed, skipping check-in",
			slog.String("error", err.Error()))
		state, _ := v.CurrentState()
		return domain.CheckinResult{Performed: false, State: string(state), Error: err.Error()}
	}

	outcome := v.doServerCheckin(ctx, keyString, fingerprint)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	switch outcome.event {
	case EventCheckinOK:
		v.lastServerCheck = &now
		v.unregistered = errors.Is(outcome.err, ErrNotRegistered)
		v.state = NextState(v.state, EventCheckinOK)
		v.persistStateLocked()
		v.logger.Info("license check-in succeeded",
			slog.String("state", string(v.state)),
			slog.Bool("registered", !v.unregistered))
		return domain.CheckinResult{Performed: true, CheckedInAt: &now,
			State: string(v.state), Registered: !v.unregistered}

	case EventRevoked, EventLimitExceeded:
		// Authoritative rejection; last_check_at deliberately untouched.
		v.state = NextState(v.state, outcome.event)
		v.persistStateLocked()
		v.logger.Warn("license check-in rejected by server",
			slog.String("state", string(v.state)),
			slog.String("error", outcome.err.Error()))
		return domain.CheckinResult{Performed: true, State: string(v.state), Registered: true,
			ErrorCode: ClassifyError(outcome.err), Error: outcome.err.Error()}

	default: // EventUnreachable
		v.state = NextState(v.state, EventUnreachable)
		if !InGracePeriod(v.graceAnchorLocked(), now, v.cfg.GraceDays) {
			v.state = NextState(v.state, EventGraceExpired)
		}
		v.persistStateLocked()
		v.logger.Warn("license check-in failed, server unreachable",
			slog.String("state", string(v.state)),
			slog.String("error", outcome.err.Error()))
		return domain.CheckinResult{Performed: true, State: string(v.state),
			Registered: v.lastServerCheck != nil && !v.unregistered,
			ErrorCode:  ClassifyError(ErrServerUnreachable), Error: outcome.err.Error(),
		}
	}
}

// persistStateLocked writes the check-in record; callers hold the lock.
func (v *Validator) persistStateLocked() {
	if v.cfg.StateFilePath == "" || v.payload == nil {
		return
	}
	if err := writeCheckinState(v.cfg.StateFilePath, v.payload.LicenseID, v.state, v.lastServerCheck); err != nil {
		v.logger.Warn("failed to persist check-in state",
			slog.String("error", err.Error()))
	}
}

// MaskKey truncates a license key for logs.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "****" + key[len(key)-6:]
}
