package license

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldPerformCheckin(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name      string
		lastCheck *time.Time
		want      bool
	}{
		{"never checked in", nil, true},
		{"checked in just now", ago(0), false},
		{"29 days ago", ago(29 * 24 * time.Hour), false},
		{"exactly 30 days ago", ago(30 * 24 * time.Hour), true},
		{"45 days ago", ago(45 * 24 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldPerformCheckin(tt.lastCheck, now))
		})
	}
}

func TestInGracePeriod(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name      string
		lastCheck *time.Time
		graceDays int
		want      bool
	}{
		{"never checked in", nil, 7, false},
		{"within interval", ago(10 * 24 * time.Hour), 7, true},
		{"day 36 of 37", ago(36 * 24 * time.Hour), 7, true},
		{"exactly at the boundary", ago(37 * 24 * time.Hour), 7, false},
		{"past the boundary", ago(40 * 24 * time.Hour), 7, false},
		{"longer grace still covers", ago(40 * 24 * time.Hour), 14, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InGracePeriod(tt.lastCheck, now, tt.graceDays))
		})
	}
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name    string
		current CheckinState
		event   CheckinEvent
		want    CheckinState
	}{
		{"key accepted from empty", StateNoLicense, EventKeyAccepted, StateValidUnchecked},
		{"checkin due", StateValidUnchecked, EventCheckinDue, StateCheckinDue},
		{"checkin succeeds", StateCheckinDue, EventCheckinOK, StateCheckinOK},
		{"checkin succeeds again", StateCheckinOK, EventCheckinOK, StateCheckinOK},
		{"unreachable enters grace", StateCheckinDue, EventUnreachable, StateGracePeriod},
		{"unreachable from ok enters grace", StateCheckinOK, EventUnreachable, StateGracePeriod},
		{"unreachable stays in grace", StateGracePeriod, EventUnreachable, StateGracePeriod},
		{"grace expires", StateGracePeriod, EventGraceExpired, StateDowngraded},
		{"recovery from grace", StateGracePeriod, EventCheckinOK, StateCheckinOK},
		{"recovery from downgrade", StateDowngraded, EventCheckinOK, StateCheckinOK},
		{"revoked from ok", StateCheckinOK, EventRevoked, StateRevoked},
		{"revoked from grace", StateGracePeriod, EventRevoked, StateRevoked},
		{"revoked even when unchecked", StateValidUnchecked, EventRevoked, StateRevoked},
		{"limit exceeded downgrades", StateCheckinOK, EventLimitExceeded, StateDowngraded},
		{"key removed clears everything", StateRevoked, EventKeyRemoved, StateNoLicense},
		{"new key after revocation", StateRevoked, EventKeyAccepted, StateValidUnchecked},
		{"irrelevant event is a no-op", StateNoLicense, EventCheckinOK, StateNoLicense},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextState(tt.current, tt.event))
		})
	}
}

// Revocation must never pass through grace, whatever the current state.
func TestRevocationBypassesGrace(t *testing.T) {
	states := []CheckinState{
		StateValidUnchecked, StateCheckinDue, StateCheckinOK,
		StateGracePeriod, StateDowngraded,
	}
	for _, s := range states {
		assert.Equal(t, StateRevoked, NextState(s, EventRevoked), "from %s", s)
	}
}

func TestCheckinStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	last := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, writeCheckinState(path, "LIC-20260801-AAAA1111", StateCheckinOK, &last))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	record, err := readCheckinState(path, "LIC-20260801-AAAA1111")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StateCheckinOK, record.State)
	require.NotNil(t, record.LastCheckAt)
	assert.True(t, last.Equal(*record.LastCheckAt))
}

func TestCheckinStateFileMissing(t *testing.T) {
	record, err := readCheckinState(filepath.Join(t.TempDir(), "nope.json"), "LIC-X")
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestCheckinStateFileLicenseMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, writeCheckinState(path, "LIC-20260801-AAAA1111", StateCheckinOK, nil))

	record, err := readCheckinState(path, "LIC-20260801-BBBB2222")
	assert.NoError(t, err)
	assert.Nil(t, record, "state for a different license is ignored")
}

// Editing the timestamp by hand must invalidate the record.
func TestCheckinStateFileTamperDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	last := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, writeCheckinState(path, "LIC-20260801-AAAA1111", StateCheckinOK, &last))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record checkinStateFile
	require.NoError(t, json.Unmarshal(data, &record))
	fresh := time.Now().UTC()
	record.LastCheckAt = &fresh

	tampered, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = readCheckinState(path, "LIC-20260801-AAAA1111")
	assert.Error(t, err)
}
