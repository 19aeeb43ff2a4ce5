// Package store owns the licensing server's persistent state: the
// license registry and the append-only check-in log. SQLite is the
// backing store; per-license mutual exclusion for installation-limit
// admission comes from immediate-mode transactions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ActiveWindow is the recency window defining an "active installation":
// distinct fingerprints with a check-in inside it. This same window
// drives both limit enforcement and the admin installations listing;
// stale fingerprints silently age out.
const ActiveWindow = 60 * 24 * time.Hour

// Sentinel errors surfaced to the service layer.
var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDuplicate       = errors.New("license already registered")
	ErrLimitExceeded   = errors.New("installation limit exceeded")
)

// LicenseRecord mirrors one row of the licenses table.
type LicenseRecord struct {
	LicenseID        string
	LicenseKey       string
	Tier             string
	CustomerName     string
	CustomerEmail    string
	CustomerCompany  string
	IssuedAt         time.Time
	ExpiresAt        *time.Time
	MaxInstallations int
	IsRevoked        bool
	RevokedAt        *time.Time
	RevocationReason string
}

// CheckinRecord mirrors one row of the checkins table.
type CheckinRecord struct {
	ID                  string
	LicenseID           string
	InstanceFingerprint string
	Hostname            string
	Platform            string
	AppVersion          string
	CheckedInAt         time.Time
	IPAddress           string
}

// Store wraps the SQLite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" style file DSNs in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// spurious SQLITE_BUSY under concurrent admissions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		license_id        TEXT PRIMARY KEY,
		license_key       TEXT UNIQUE NOT NULL,
		tier              TEXT NOT NULL,
		customer_name     TEXT NOT NULL,
		customer_email    TEXT NOT NULL,
		customer_company  TEXT,
		issued_at         DATETIME NOT NULL,
		expires_at        DATETIME,
		max_installations INTEGER NOT NULL DEFAULT 1,
		is_revoked        INTEGER NOT NULL DEFAULT 0,
		revoked_at        DATETIME,
		revocation_reason TEXT,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkins (
		id                   TEXT PRIMARY KEY,
		license_id           TEXT NOT NULL,
		instance_fingerprint TEXT NOT NULL,
		hostname             TEXT,
		platform             TEXT,
		app_version          TEXT,
		checked_in_at        DATETIME NOT NULL,
		ip_address           TEXT,
		FOREIGN KEY (license_id) REFERENCES licenses(license_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_checkins_license_time
		ON checkins(license_id, checked_in_at);
	CREATE INDEX IF NOT EXISTS idx_checkins_fingerprint
		ON checkins(license_id, instance_fingerprint);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ImportLicense registers an issued license. Duplicate license_id or
// key returns ErrDuplicate.
func (s *Store) ImportLicense(ctx context.Context, rec *LicenseRecord) error {
	query := `INSERT INTO licenses
		(license_id, license_key, tier, customer_name, customer_email, customer_company,
		 issued_at, expires_at, max_installations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.LicenseID, rec.LicenseKey, rec.Tier,
		rec.CustomerName, rec.CustomerEmail, rec.CustomerCompany,
		rec.IssuedAt.UTC(), nullableTime(rec.ExpiresAt), rec.MaxInstallations,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, rec.LicenseID)
		}
		return fmt.Errorf("import license: %w", err)
	}
	return nil
}

const licenseColumns = `license_id, license_key, tier, customer_name, customer_email,
	COALESCE(customer_company, ''), issued_at, expires_at, max_installations,
	is_revoked, revoked_at, COALESCE(revocation_reason, '')`

// GetByKey looks a license up by its exact full key string.
func (s *Store) GetByKey(ctx context.Context, licenseKey string) (*LicenseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, licenseKey)
	return scanLicense(row)
}

// GetByID looks a license up by its identifier.
func (s *Store) GetByID(ctx context.Context, licenseID string) (*LicenseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_id = ?`, licenseID)
	return scanLicense(row)
}

// ListLicenses returns all registered licenses ordered by issue date.
func (s *Store) ListLicenses(ctx context.Context) ([]*LicenseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses ORDER BY issued_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var records []*LicenseRecord
	for rows.Next() {
		rec, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Revoke marks a license revoked. Idempotent: revoking an
// already-revoked license leaves the original revocation untouched.
func (s *Store) Revoke(ctx context.Context, licenseID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET is_revoked = 1, revoked_at = ?, revocation_reason = ?
		 WHERE license_id = ? AND is_revoked = 0`,
		s.now().UTC(), reason, licenseID)
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already revoked (no-op success) or unknown.
		if _, err := s.GetByID(ctx, licenseID); err != nil {
			return err
		}
	}
	return nil
}

// Restore clears revocation. Installation history is not touched.
func (s *Store) Restore(ctx context.Context, licenseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET is_revoked = 0, revoked_at = NULL, revocation_reason = NULL
		 WHERE license_id = ?`, licenseID)
	if err != nil {
		return fmt.Errorf("restore license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseID)
	}
	return nil
}

// Delete removes a license and, via cascade, its check-in history.
// Explicit admin action only.
func (s *Store) Delete(ctx context.Context, licenseID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM licenses WHERE license_id = ?`, licenseID)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseID)
	}
	return nil
}

// ActiveInstallations returns the latest check-in per distinct
// fingerprint inside the active window. This exact query backs both
// limit enforcement and the admin listing so the two can never
// disagree.
func (s *Store) ActiveInstallations(ctx context.Context, licenseID string, now time.Time) ([]*CheckinRecord, error) {
	cutoff := now.Add(-ActiveWindow).UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.license_id, c.instance_fingerprint,
		       COALESCE(c.hostname, ''), COALESCE(c.platform, ''),
		       COALESCE(c.app_version, ''), c.checked_in_at, COALESCE(c.ip_address, '')
		FROM checkins c
		JOIN (
			SELECT instance_fingerprint, MAX(checked_in_at) AS latest
			FROM checkins
			WHERE license_id = ? AND checked_in_at >= ?
			GROUP BY instance_fingerprint
		) latest ON latest.instance_fingerprint = c.instance_fingerprint
		        AND latest.latest = c.checked_in_at
		WHERE c.license_id = ?
		ORDER BY c.checked_in_at DESC`,
		licenseID, cutoff, licenseID)
	if err != nil {
		return nil, fmt.Errorf("query active installations: %w", err)
	}
	defer rows.Close()

	var records []*CheckinRecord
	for rows.Next() {
		var rec CheckinRecord
		if err := rows.Scan(&rec.ID, &rec.LicenseID, &rec.InstanceFingerprint,
			&rec.Hostname, &rec.Platform, &rec.AppVersion, &rec.CheckedInAt, &rec.IPAddress); err != nil {
			return nil, fmt.Errorf("scan check-in: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// AdmitCheckin implements the race-free installation-limit admission:
// inside one immediate transaction it re-counts distinct active
// fingerprints and inserts the check-in only if this fingerprint is
// already active (renewal, always allowed) or the count is below the
// license's cap. Two concurrent admissions for the same license
// serialize on the write transaction; exactly one wins the last slot.
func (s *Store) AdmitCheckin(ctx context.Context, licenseID string, maxInstallations int, rec *CheckinRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin admission: %w", err)
	}
	defer tx.Rollback()

	cutoff := rec.CheckedInAt.Add(-ActiveWindow).UTC()

	var alreadyActive bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM checkins
			WHERE license_id = ? AND instance_fingerprint = ? AND checked_in_at >= ?
		)`, licenseID, rec.InstanceFingerprint, cutoff).Scan(&alreadyActive)
	if err != nil {
		return 0, fmt.Errorf("check renewal: %w", err)
	}

	var activeCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT instance_fingerprint) FROM checkins
		WHERE license_id = ? AND checked_in_at >= ?`,
		licenseID, cutoff).Scan(&activeCount)
	if err != nil {
		return 0, fmt.Errorf("count active installations: %w", err)
	}

	if !alreadyActive && activeCount >= maxInstallations {
		return activeCount, fmt.Errorf("%w: %d active of %d allowed",
			ErrLimitExceeded, activeCount, maxInstallations)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkins
			(id, license_id, instance_fingerprint, hostname, platform, app_version, checked_in_at, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, licenseID, rec.InstanceFingerprint,
		rec.Hostname, rec.Platform, rec.AppVersion, rec.CheckedInAt.UTC(), rec.IPAddress)
	if err != nil {
		return activeCount, fmt.Errorf("record check-in: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return activeCount, fmt.Errorf("commit admission: %w", err)
	}
	if !alreadyActive {
		activeCount++
	}
	return activeCount, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*LicenseRecord, error) {
	var rec LicenseRecord
	var expiresAt, revokedAt sql.NullTime
	var isRevoked int
	err := row.Scan(&rec.LicenseID, &rec.LicenseKey, &rec.Tier,
		&rec.CustomerName, &rec.CustomerEmail, &rec.CustomerCompany,
		&rec.IssuedAt, &expiresAt, &rec.MaxInstallations,
		&isRevoked, &revokedAt, &rec.RevocationReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	rec.IsRevoked = isRevoked != 0
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
