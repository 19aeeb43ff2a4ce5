package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CheckinState names a position in the check-in lifecycle:
//
//	NoLicense -> ValidUnchecked -> CheckinDue -> CheckinOK
//	                                  |-> GracePeriod -> Downgraded
//	                                  |-> Revoked
type CheckinState string

const (
	StateNoLicense      CheckinState = "no_license"
	StateValidUnchecked CheckinState = "valid_unchecked"
	StateCheckinDue     CheckinState = "checkin_due"
	StateCheckinOK      CheckinState = "checkin_ok"
	StateGracePeriod    CheckinState = "grace_period"
	StateDowngraded     CheckinState = "downgraded"
	StateRevoked        CheckinState = "revoked"
)

// CheckinEvent is an input to the state machine.
type CheckinEvent string

const (
	EventKeyAccepted   CheckinEvent = "key_accepted"
	EventKeyRemoved    CheckinEvent = "key_removed"
	EventCheckinDue    CheckinEvent = "checkin_due"
	EventCheckinOK     CheckinEvent = "checkin_ok"
	EventUnreachable   CheckinEvent = "server_unreachable"
	EventGraceExpired  CheckinEvent = "grace_expired"
	EventRevoked       CheckinEvent = "revoked"
	EventLimitExceeded CheckinEvent = "limit_exceeded"
)

// Scheduling and grace defaults. One check-in per installation per
// 30-day window bounds server load; the grace window keeps the cached
// tier in effect through transient outages (fail-open), then forces a
// downgrade (fail-closed).
const (
	CheckinInterval  = 30 * 24 * time.Hour
	DefaultGraceDays = 7
)

// ShouldPerformCheckin reports whether a check-in is due. A nil
// lastCheck means the installation has never checked in.
func ShouldPerformCheckin(lastCheck *time.Time, now time.Time) bool {
	if lastCheck == nil {
		return true
	}
	return now.Sub(*lastCheck) >= CheckinInterval
}

// InGracePeriod reports whether a failed check-in still leaves the
// cached tier in effect: true while now-lastCheck < interval+grace.
// With no recorded check-in there is nothing to extend.
func InGracePeriod(lastCheck *time.Time, now time.Time, graceDays int) bool {
	if lastCheck == nil {
		return false
	}
	allowed := CheckinInterval + time.Duration(graceDays)*24*time.Hour
	return now.Sub(*lastCheck) < allowed
}

// NextState is the pure transition table for the check-in lifecycle.
// Revocation and limit-exceeded are authoritative from any state; they
// never pass through grace.
func NextState(current CheckinState, event CheckinEvent) CheckinState {
	switch event {
	case EventKeyRemoved:
		return StateNoLicense
	case EventRevoked:
		return StateRevoked
	case EventLimitExceeded:
		return StateDowngraded
	}

	switch current {
	case StateNoLicense:
		if event == EventKeyAccepted {
			return StateValidUnchecked
		}
	case StateValidUnchecked, StateCheckinOK:
		switch event {
		case EventCheckinDue:
			return StateCheckinDue
		case EventCheckinOK:
			return StateCheckinOK
		case EventUnreachable:
			return StateGracePeriod
		case EventGraceExpired:
			return StateDowngraded
		case EventKeyAccepted:
			return StateValidUnchecked
		}
	case StateCheckinDue, StateGracePeriod:
		switch event {
		case EventCheckinOK:
			return StateCheckinOK
		case EventUnreachable:
			return StateGracePeriod
		case EventGraceExpired:
			return StateDowngraded
		case EventKeyAccepted:
			return StateValidUnchecked
		}
	case StateDowngraded, StateRevoked:
		switch event {
		case EventCheckinOK:
			return StateCheckinOK
		case EventKeyAccepted:
			return StateValidUnchecked
		}
	}
	return current
}

// checkinStateFile is the small persisted record that makes the 30-day
// schedule and the grace window survive restarts. It is HMAC-signed so
// editing the timestamp by hand invalidates it.
type checkinStateFile struct {
	LicenseID   string       `json:"license_id"`
	LastCheckAt *time.Time   `json:"last_check_at,omitempty"`
	State       CheckinState `json:"state"`
	Signature   string       `json:"signature"`
}

const stateFileSecret = "relay-license-state-v1"

func (s checkinStateFile) sign() string {
	last := ""
	if s.LastCheckAt != nil {
		last = s.LastCheckAt.UTC().Format(time.RFC3339)
	}
	h := hmac.New(sha256.New, []byte(stateFileSecret))
	fmt.Fprintf(h, "%s|%s|%s", s.LicenseID, last, s.State)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCheckinState persists the check-in record with restricted
// permissions.
func writeCheckinState(path string, licenseID string, state CheckinState, lastCheck *time.Time) error {
	record := checkinStateFile{
		LicenseID:   licenseID,
		LastCheckAt: lastCheck,
		State:       state,
	}
	record.Signature = record.sign()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal check-in state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write check-in state: %w", err)
	}
	return nil
}

// readCheckinState loads a persisted record, rejecting tampered or
// mismatched files. A missing file is not an error; it just means no
// check-in has happened yet.
func readCheckinState(path, licenseID string) (*checkinStateFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read check-in state: %w", err)
	}

	var record checkinStateFile
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse check-in state: %w", err)
	}
	if record.LicenseID != licenseID {
		return nil, nil
	}
	if !hmac.Equal([]byte(record.Signature), []byte(record.sign())) {
		return nil, fmt.Errorf("check-in state signature mismatch")
	}
	return &record, nil
}
