package license

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaylic/internal/security"
	"relaylic/pkg/contracts/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestValidator wires a validator against an optional server URL
// with a controllable clock.
func newTestValidator(t *testing.T, serverURL string) (*Validator, *Signer, *time.Time) {
	t.Helper()
	signer, verifier := testKeyPair(t)

	dir := t.TempDir()
	fingerprints := security.NewFingerprintManager(filepath.Join(dir, "instance_id"))

	v := NewValidator(ValidatorConfig{
		ServerURL:     serverURL,
		StateFilePath: filepath.Join(dir, "state.json"),
		GraceDays:     7,
		AppVersion:    "test",
	}, verifier, fingerprints, discardLogger())

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := &now
	v.now = func() time.Time { return *clock }
	return v, signer, clock
}

func signedKeyString(t *testing.T, signer *Signer, tier Tier) string {
	t.Helper()
	payload := testPayload(t)
	payload.Tier = tier
	payload.Features = FeaturesForTier(tier)
	payload.Limits = LimitsForTier(tier)
	keyString, err := signer.SignToString(payload)
	require.NoError(t, err)
	return keyString
}

func TestValidateOffline(t *testing.T) {
	v, signer, _ := newTestValidator(t, "")

	t.Run("valid key", func(t *testing.T) {
		result := v.Validate(signedKeyString(t, signer, TierStandard))
		assert.True(t, result.Valid)
		assert.Equal(t, "standard", result.Tier)
		assert.Contains(t, result.Features, FeatureVoiceChannels)
	})

	t.Run("garbage key downgrades to community", func(t *testing.T) {
		result := v.Validate("not-a-key")
		assert.False(t, result.Valid)
		assert.Equal(t, "community", result.Tier)
		assert.Equal(t, CodeMalformedKey, result.ErrorCode)
		assert.Empty(t, result.Features)
	})

	t.Run("wrong signer downgrades to community", func(t *testing.T) {
		otherSigner, _ := testKeyPair(t)
		result := v.Validate(signedKeyString(t, otherSigner, TierElite))
		assert.False(t, result.Valid)
		assert.Equal(t, CodeInvalidSignature, result.ErrorCode)
	})

	t.Run("expired key", func(t *testing.T) {
		payload := testPayload(t)
		past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		payload.ExpiresAt = &past
		keyString, err := signer.SignToString(payload)
		require.NoError(t, err)

		result := v.Validate(keyString)
		assert.False(t, result.Valid)
		assert.Equal(t, CodeExpired, result.ErrorCode)
	})
}

func TestSubmitAndRemoveLicense(t *testing.T) {
	v, signer, _ := newTestValidator(t, "")

	result := v.SubmitLicenseKey(signedKeyString(t, signer, TierElite))
	require.True(t, result.Valid)

	state, _ := v.CurrentState()
	assert.Equal(t, StateValidUnchecked, state)
	assert.Equal(t, "elite", v.GetEffectiveTier().Tier)

	v.RemoveLicense()
	state, _ = v.CurrentState()
	assert.Equal(t, StateNoLicense, state)
	assert.Equal(t, "community", v.GetEffectiveTier().Tier)
}

func TestSubmitInvalidKeyLeavesStateUntouched(t *testing.T) {
	v, signer, _ := newTestValidator(t, "")

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierLite)).Valid)
	result := v.SubmitLicenseKey("garbage")
	assert.False(t, result.Valid)

	// The previously accepted license stays in effect.
	assert.Equal(t, "lite", v.GetEffectiveTier().Tier)
}

func TestEffectiveTierExpiresMidRun(t *testing.T) {
	v, signer, clock := newTestValidator(t, "")

	payload := testPayload(t)
	expires := clock.Add(24 * time.Hour)
	payload.ExpiresAt = &expires
	keyString, err := signer.SignToString(payload)
	require.NoError(t, err)

	require.True(t, v.SubmitLicenseKey(keyString).Valid)
	assert.Equal(t, "elite", v.GetEffectiveTier().Tier)

	*clock = clock.Add(48 * time.Hour)
	assert.Equal(t, "community", v.GetEffectiveTier().Tier,
		"expiry crossed while running must downgrade")
}

// verifyTestServer scripts the licensing server side of a check-in.
func verifyTestServer(t *testing.T, status int, resp domain.VerifyResponse) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/verify", r.URL.Path)

		var req domain.VerifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.LicenseKey)
		assert.NotEmpty(t, req.InstanceFingerprint)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestCheckinSuccess(t *testing.T) {
	srv, calls := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	v, signer, clock := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierStandard)).Valid)

	result := v.ForceCheckin(context.Background())
	assert.True(t, result.Performed)
	assert.True(t, result.Registered)
	assert.Equal(t, string(StateCheckinOK), result.State)
	assert.EqualValues(t, 1, calls.Load())

	state, last := v.CurrentState()
	assert.Equal(t, StateCheckinOK, state)
	require.NotNil(t, last)
	assert.True(t, last.Equal(*clock))
	assert.True(t, v.Registered())
	assert.Equal(t, "standard", v.GetEffectiveTier().Tier)
}

func TestCheckinRevoked(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusForbidden, domain.VerifyResponse{
		Valid: false, IsRevoked: true, RevocationReason: "chargeback",
	})
	v, signer, _ := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierElite)).Valid)

	result := v.ForceCheckin(context.Background())
	assert.True(t, result.Performed)
	assert.Equal(t, string(StateRevoked), result.State)
	assert.Equal(t, CodeRevoked, result.ErrorCode)

	_, last := v.CurrentState()
	assert.Nil(t, last, "rejection must not count as a successful check")
	assert.Equal(t, "community", v.GetEffectiveTier().Tier,
		"revocation downgrades immediately, no grace")
}

func TestCheckinInstallationLimit(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusForbidden, domain.VerifyResponse{
		Valid: false, MaxInstallations: 3, ActiveInstallations: 3,
	})
	v, signer, _ := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierElite)).Valid)

	result := v.ForceCheckin(context.Background())
	assert.Equal(t, string(StateDowngraded), result.State)
	assert.Equal(t, CodeInstallationLimit, result.ErrorCode)
	assert.Equal(t, "community", v.GetEffectiveTier().Tier)
}

// A 404 means the server has never seen this key. Offline-signed
// licenses remain fully valid, but the result says so: an unregistered
// key cannot be revoked or installation-capped by the server.
func TestCheckinUnknownLicense(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusNotFound, domain.VerifyResponse{Valid: false})
	v, signer, clock := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierStandard)).Valid)
	assert.False(t, v.Registered(), "no check-in has completed yet")

	result := v.ForceCheckin(context.Background())
	assert.True(t, result.Performed)
	assert.False(t, result.Registered)
	assert.Equal(t, string(StateCheckinOK), result.State)

	_, last := v.CurrentState()
	require.NotNil(t, last)
	assert.True(t, last.Equal(*clock))
	assert.False(t, v.Registered())
	assert.Equal(t, "standard", v.GetEffectiveTier().Tier)
}

func TestCheckinServerUnreachable(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	srv.Close() // connection refused from here on

	v, signer, _ := newTestValidator(t, srv.URL)
	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierElite)).Valid)

	result := v.ForceCheckin(context.Background())
	assert.True(t, result.Performed)
	assert.Equal(t, string(StateGracePeriod), result.State)
	assert.Equal(t, CodeServerUnreachable, result.ErrorCode)
	assert.False(t, result.Registered, "never reached the server")

	assert.Equal(t, "elite", v.GetEffectiveTier().Tier,
		"tier stays cached through the grace window")
}

func TestGraceWindowExpires(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	v, signer, clock := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierElite)).Valid)
	require.Equal(t, string(StateCheckinOK), v.ForceCheckin(context.Background()).State)

	srv.Close()

	// Day 36: due plus unreachable, still inside 30+7.
	*clock = clock.Add(36 * 24 * time.Hour)
	result := v.ForceCheckin(context.Background())
	assert.Equal(t, string(StateGracePeriod), result.State)
	assert.Equal(t, "elite", v.GetEffectiveTier().Tier)

	// Day 38: grace exhausted.
	*clock = clock.Add(2 * 24 * time.Hour)
	result = v.ForceCheckin(context.Background())
	assert.Equal(t, string(StateDowngraded), result.State)
	assert.Equal(t, "community", v.GetEffectiveTier().Tier)
}

// The grace window covers server unreachability, not the license term:
// a license that expires while the server is down drops to community
// immediately, even though the state machine is still in grace.
func TestExpiredLicenseGetsNoGrace(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	v, signer, clock := newTestValidator(t, srv.URL)

	payload := testPayload(t)
	payload.Tier = TierElite
	payload.Features = FeaturesForTier(TierElite)
	payload.Limits = LimitsForTier(TierElite)
	expiry := clock.Add(5 * 24 * time.Hour)
	payload.ExpiresAt = &expiry
	keyString, err := signer.SignToString(payload)
	require.NoError(t, err)

	require.True(t, v.SubmitLicenseKey(keyString).Valid)
	require.Equal(t, string(StateCheckinOK), v.ForceCheckin(context.Background()).State)
	assert.Equal(t, "elite", v.GetEffectiveTier().Tier)

	srv.Close()

	// Day 10: inside the grace window, past the license term.
	*clock = clock.Add(10 * 24 * time.Hour)
	result := v.ForceCheckin(context.Background())
	assert.Equal(t, string(StateGracePeriod), result.State)
	assert.Equal(t, "community", v.GetEffectiveTier().Tier)
}

// While a due check-in is in flight the state machine sits in
// checkin_due; the outcome event replaces it.
func TestCheckinDueStateWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.VerifyResponse{Valid: true})
	}))
	t.Cleanup(srv.Close)

	v, signer, _ := newTestValidator(t, srv.URL)
	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierStandard)).Valid)

	done := make(chan domain.CheckinResult, 1)
	go func() { done <- v.ForceCheckin(context.Background()) }()

	<-entered
	state, _ := v.CurrentState()
	assert.Equal(t, StateCheckinDue, state)

	close(release)
	result := <-done
	assert.Equal(t, string(StateCheckinOK), result.State)
}

// A fresh install that can never reach the server gets the full
// interval-plus-grace window measured from key acceptance, then fails
// closed.
func TestNeverCheckedInGraceAnchor(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	srv.Close()

	v, signer, clock := newTestValidator(t, srv.URL)
	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierStandard)).Valid)

	*clock = clock.Add(10 * 24 * time.Hour)
	v.ForceCheckin(context.Background())
	assert.Equal(t, "standard", v.GetEffectiveTier().Tier)

	*clock = clock.Add(30 * 24 * time.Hour) // day 40 since acceptance
	v.ForceCheckin(context.Background())
	assert.Equal(t, "community", v.GetEffectiveTier().Tier)
}

func TestScheduledCheckinSkippedWhenNotDue(t *testing.T) {
	srv, calls := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	v, signer, _ := newTestValidator(t, srv.URL)

	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierLite)).Valid)
	require.True(t, v.maybeCheckin(context.Background(), false).Performed)

	// Not due again for 30 days.
	result := v.maybeCheckin(context.Background(), false)
	assert.False(t, result.Performed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCheckinWithoutLicense(t *testing.T) {
	v, _, _ := newTestValidator(t, "http://127.0.0.1:1")

	result := v.ForceCheckin(context.Background())
	assert.False(t, result.Performed)
	assert.Equal(t, CodeNoLicense, result.ErrorCode)
}

func TestCheckinStatePersistsAcrossRestart(t *testing.T) {
	srv, _ := verifyTestServer(t, http.StatusOK, domain.VerifyResponse{Valid: true})
	v, signer, clock := newTestValidator(t, srv.URL)

	keyString := signedKeyString(t, signer, TierStandard)
	require.True(t, v.SubmitLicenseKey(keyString).Valid)
	require.Equal(t, string(StateCheckinOK), v.ForceCheckin(context.Background()).State)

	// Second validator sharing the same state file: the schedule
	// carries over, so no check-in is due yet.
	v2 := NewValidator(v.cfg, v.verifier, v.fingerprints, discardLogger())
	v2.now = v.now
	require.True(t, v2.SubmitLicenseKey(keyString).Valid)

	state, last := v2.CurrentState()
	assert.Equal(t, StateCheckinOK, state)
	require.NotNil(t, last)
	assert.True(t, last.Equal(*clock))
	assert.False(t, v2.maybeCheckin(context.Background(), false).Performed)
}

func TestConcurrentForceCheckinsSingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.VerifyResponse{Valid: true})
	}))
	defer srv.Close()

	v, signer, _ := newTestValidator(t, srv.URL)
	require.True(t, v.SubmitLicenseKey(signedKeyString(t, signer, TierElite)).Valid)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.ForceCheckin(context.Background())
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent check-ins must collapse into one request")
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"short key fully masked", "abcdef", "****"},
		{"boundary length fully masked", "123456789012", "****"},
		{"long key keeps edges", "AAAAAABBBBBBCCCCCC", "AAAAAA****CCCCCC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskKey(tt.key))
		})
	}
}
