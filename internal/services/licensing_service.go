// Package services holds the licensing server's business logic: the
// verify algorithm and the admin operations, between the HTTP transport
// and the store.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"relaylic/internal/license"
	"relaylic/internal/store"
	"relaylic/pkg/contracts/domain"
)

// VerifyVerdict is the service-level outcome of a verify call; the
// transport maps it onto HTTP status codes.
type VerifyVerdict int

const (
	VerdictValid VerifyVerdict = iota
	VerdictRevoked
	VerdictLimitExceeded
	VerdictNotRegistered
)

// LicensingService is the server-side verification and administration
// surface.
type LicensingService interface {
	Verify(ctx context.Context, req *domain.VerifyRequest, remoteIP string) (VerifyVerdict, *domain.VerifyResponse, error)
	ImportLicense(ctx context.Context, licenseKey string) (*domain.LicenseSummary, error)
	Revoke(ctx context.Context, licenseID, reason string) error
	Restore(ctx context.Context, licenseID string) error
	ListLicenses(ctx context.Context) ([]domain.LicenseSummary, error)
	ListInstallations(ctx context.Context, licenseID string) (*domain.InstallationsResponse, error)
}

type licensingService struct {
	store    *store.Store
	verifier *license.Verifier
	logger   *slog.Logger
	now      func() time.Time

	verifyCounter metric.Int64Counter
}

// NewLicensingService wires the service. The verifier checks imported
// key signatures so a corrupt or forged key can never enter the
// registry.
func NewLicensingService(st *store.Store, verifier *license.Verifier, logger *slog.Logger) LicensingService {
	meter := otel.Meter("relaylic")
	verifyCounter, err := meter.Int64Counter("license_verify_total",
		metric.WithDescription("License verify requests by outcome"))
	if err != nil {
		logger.Warn("failed to create verify counter", slog.String("error", err.Error()))
	}

	return &licensingService{
		store:         st,
		verifier:      verifier,
		logger:        logger.With(slog.String("service", "licensing")),
		now:           time.Now,
		verifyCounter: verifyCounter,
	}
}

// Verify implements the check-in admission algorithm:
//
//  1. exact key lookup; unknown keys are 404, which clients treat as
//     offline-capable, not invalid
//  2. revoked licenses are rejected without recording a check-in
//  3. admission runs as a single atomic re-count-and-insert per
//     license, so concurrent check-ins cannot jointly exceed the cap;
//     an already-active fingerprint is a renewal and always admitted
func (s *licensingService) Verify(ctx context.Context, req *domain.VerifyRequest, remoteIP string) (VerifyVerdict, *domain.VerifyResponse, error) {
	ctx, span := otel.Tracer("licensing-service").Start(ctx, "licensing.verify")
	defer span.End()

	rec, err := s.store.GetByKey(ctx, req.LicenseKey)
	if errors.Is(err, store.ErrLicenseNotFound) {
		s.countVerify(ctx, "not_registered")
		s.logger.InfoContext(ctx, "verify for unregistered key",
			slog.String("key", license.MaskKey(req.LicenseKey)),
			slog.String("fingerprint", req.InstanceFingerprint))
		return VerdictNotRegistered, &domain.VerifyResponse{
			Valid:   false,
			Message: "license not registered",
		}, nil
	}
	if err != nil {
		return VerdictNotRegistered, nil, fmt.Errorf("look up license: %w", err)
	}

	span.SetAttributes(attribute.String("license.id", rec.LicenseID))

	if rec.IsRevoked {
		s.countVerify(ctx, "revoked")
		s.logger.WarnContext(ctx, "verify for revoked license",
			slog.String("license_id", rec.LicenseID),
			slog.String("reason", rec.RevocationReason))
		return VerdictRevoked, &domain.VerifyResponse{
			Valid:            false,
			LicenseID:        rec.LicenseID,
			IsRevoked:        true,
			RevokedAt:        rec.RevokedAt,
			RevocationReason: rec.RevocationReason,
		}, nil
	}

	now := s.now()
	active, err := s.store.AdmitCheckin(ctx, rec.LicenseID, rec.MaxInstallations, &store.CheckinRecord{
		LicenseID:           rec.LicenseID,
		InstanceFingerprint: req.InstanceFingerprint,
		Hostname:            req.Hostname,
		Platform:            req.Platform,
		AppVersion:          req.AppVersion,
		CheckedInAt:         now,
		IPAddress:           remoteIP,
	})
	if errors.Is(err, store.ErrLimitExceeded) {
		s.countVerify(ctx, "limit_exceeded")
		s.logger.WarnContext(ctx, "installation limit exceeded",
			slog.String("license_id", rec.LicenseID),
			slog.String("fingerprint", req.InstanceFingerprint),
			slog.Int("active", active),
			slog.Int("max", rec.MaxInstallations))
		return VerdictLimitExceeded, &domain.VerifyResponse{
			Valid:               false,
			LicenseID:           rec.LicenseID,
			Message:             fmt.Sprintf("installation limit exceeded: %d active of %d allowed", active, rec.MaxInstallations),
			MaxInstallations:    rec.MaxInstallations,
			ActiveInstallations: active,
		}, nil
	}
	if err != nil {
		return VerdictNotRegistered, nil, fmt.Errorf("admit check-in: %w", err)
	}

	s.countVerify(ctx, "valid")
	s.logger.InfoContext(ctx, "check-in recorded",
		slog.String("license_id", rec.LicenseID),
		slog.String("fingerprint", req.InstanceFingerprint),
		slog.Int("active_installations", active))

	return VerdictValid, &domain.VerifyResponse{
		Valid:     true,
		LicenseID: rec.LicenseID,
		Tier:      rec.Tier,
		ExpiresAt: rec.ExpiresAt,
		IsRevoked: false,
	}, nil
}

// ImportLicense decodes, signature-checks and registers an issued key.
func (s *licensingService) ImportLicense(ctx context.Context, licenseKey string) (*domain.LicenseSummary, error) {
	key, err := license.DecodeKey(licenseKey)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.VerifyKey(key); err != nil {
		return nil, err
	}

	p := key.Payload
	rec := &store.LicenseRecord{
		LicenseID:        p.LicenseID,
		LicenseKey:       licenseKey,
		Tier:             string(p.Tier),
		CustomerName:     p.CustomerName,
		CustomerEmail:    p.CustomerEmail,
		CustomerCompany:  p.CustomerCompany,
		IssuedAt:         p.IssuedAt,
		ExpiresAt:        p.ExpiresAt,
		MaxInstallations: p.MaxInstallations,
	}
	if err := s.store.ImportLicense(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license imported",
		slog.String("license_id", p.LicenseID),
		slog.String("tier", string(p.Tier)),
		slog.Int("max_installations", p.MaxInstallations))

	summary := toSummary(rec)
	return &summary, nil
}

// Revoke marks a license revoked; revoking twice is a no-op success.
func (s *licensingService) Revoke(ctx context.Context, licenseID, reason string) error {
	if err := s.store.Revoke(ctx, licenseID, reason); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license revoked",
		slog.String("license_id", licenseID),
		slog.String("reason", reason))
	return nil
}

// Restore clears a revocation without touching installation history.
func (s *licensingService) Restore(ctx context.Context, licenseID string) error {
	if err := s.store.Restore(ctx, licenseID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license restored",
		slog.String("license_id", licenseID))
	return nil
}

// ListLicenses returns every registered license for the admin UI.
func (s *licensingService) ListLicenses(ctx context.Context) ([]domain.LicenseSummary, error) {
	records, err := s.store.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.LicenseSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, toSummary(rec))
	}
	return summaries, nil
}

// ListInstallations runs the identical active-window computation used
// by verify's limit enforcement, so the operator sees exactly what is
// being enforced.
func (s *licensingService) ListInstallations(ctx context.Context, licenseID string) (*domain.InstallationsResponse, error) {
	rec, err := s.store.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	checkins, err := s.store.ActiveInstallations(ctx, licenseID, s.now())
	if err != nil {
		return nil, err
	}

	installations := make([]domain.Installation, 0, len(checkins))
	for _, c := range checkins {
		installations = append(installations, domain.Installation{
			InstanceFingerprint: c.InstanceFingerprint,
			Hostname:            c.Hostname,
			Platform:            c.Platform,
			AppVersion:          c.AppVersion,
			LastCheckinAt:       c.CheckedInAt,
			IPAddress:           c.IPAddress,
		})
	}

	return &domain.InstallationsResponse{
		LicenseID:        licenseID,
		WindowDays:       int(store.ActiveWindow.Hours() / 24),
		MaxInstallations: rec.MaxInstallations,
		Installations:    installations,
	}, nil
}

func (s *licensingService) countVerify(ctx context.Context, outcome string) {
	if s.verifyCounter != nil {
		s.verifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func toSummary(rec *store.LicenseRecord) domain.LicenseSummary {
	return domain.LicenseSummary{
		LicenseID:        rec.LicenseID,
		Tier:             rec.Tier,
		CustomerName:     rec.CustomerName,
		CustomerEmail:    rec.CustomerEmail,
		CustomerCompany:  rec.CustomerCompany,
		IssuedAt:         rec.IssuedAt,
		ExpiresAt:        rec.ExpiresAt,
		MaxInstallations: rec.MaxInstallations,
		IsRevoked:        rec.IsRevoked,
		RevokedAt:        rec.RevokedAt,
		RevocationReason: rec.RevocationReason,
	}
}
