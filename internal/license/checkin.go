package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"relaylic/internal/security"
	"relaylic/pkg/contracts/domain"
)

// CheckinTimeout bounds the single network call a check-in performs.
// The check-in sits on the hosting application's best-effort startup
// path and must never hang it.
const CheckinTimeout = 10 * time.Second

// checkinOutcome is the interpreted result of one verify call.
type checkinOutcome struct {
	event    CheckinEvent
	response *domain.VerifyResponse
	err      error
}

// doServerCheckin issues one POST to the licensing server's verify
// endpoint and classifies the result:
//
//   - 200: check-in accepted.
//   - 403: revoked or installation limit exceeded. Authoritative; the
//     caller downgrades immediately with no grace.
//   - 404 or transport failure: the server either does not know this
//     key or cannot be reached. Neither invalidates the license.
func (v *Validator) doServerCheckin(ctx context.Context, keyString, fingerprint string) checkinOutcome {
	hostname, _ := security.Hostname()
	reqBody := domain.VerifyRequest{
		LicenseKey:          keyString,
		InstanceFingerprint: fingerprint,
		Hostname:            hostname,
		Platform:            runtime.GOOS + "/" + runtime.GOARCH,
		AppVersion:          v.cfg.AppVersion,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return checkinOutcome{event: EventUnreachable, err: fmt.Errorf("marshal verify request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, CheckinTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.ServerURL+"/api/v1/verify", bytes.NewReader(body))
	if err != nil {
		return checkinOutcome{event: EventUnreachable, err: fmt.Errorf("build verify request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return checkinOutcome{
			event: EventUnreachable,
			err:   fmt.Errorf("%w: %v", ErrServerUnreachable, err),
		}
	}
	defer resp.Body.Close()

	var verifyResp domain.VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verifyResp); err != nil && resp.StatusCode == http.StatusOK {
		return checkinOutcome{
			event: EventUnreachable,
			err:   fmt.Errorf("%w: malformed verify response: %v", ErrServerUnreachable, err),
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return checkinOutcome{event: EventCheckinOK, response: &verifyResp}

	case http.StatusForbidden:
		if verifyResp.IsRevoked {
			return checkinOutcome{
				event:    EventRevoked,
				response: &verifyResp,
				err:      fmt.Errorf("%w: %s", ErrRevoked, verifyResp.RevocationReason),
			}
		}
		return checkinOutcome{
			event:    EventLimitExceeded,
			response: &verifyResp,
			err: fmt.Errorf("%w: %d active of %d allowed", ErrInstallationLimit,
				verifyResp.ActiveInstallations, verifyResp.MaxInstallations),
		}

	case http.StatusNotFound:
		// Offline-signed license the server has never seen. Valid,
		// unregistered.
		return checkinOutcome{event: EventCheckinOK, response: &verifyResp, err: ErrNotRegistered}

	default:
		return checkinOutcome{
			event: EventUnreachable,
			err:   fmt.Errorf("%w: unexpected status %d", ErrServerUnreachable, resp.StatusCode),
		}
	}
}
