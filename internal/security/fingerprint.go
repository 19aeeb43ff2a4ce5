// Package security provides the instance fingerprinter: a stable
// per-installation identifier used by the licensing server to count
// distinct active installations.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FingerprintPrefix marks the hash scheme so the server can evolve it
// later without ambiguity.
const FingerprintPrefix = "sha256:"

// machineIDPaths are the durable machine identifier sources probed in
// order. Both are stable across reboots on systemd and dbus systems.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// FingerprintManager derives and caches the installation fingerprint.
// The fingerprint is persisted on first generation and never
// regenerated afterwards: volatile inputs (IPs, timestamps, pids) would
// make every check-in look like a new installation and break the
// installation-limit accounting.
type FingerprintManager struct {
	cachePath string

	mu     sync.Mutex
	cached string
}

// NewFingerprintManager creates a manager that persists the fingerprint
// at cachePath.
func NewFingerprintManager(cachePath string) *FingerprintManager {
	return &FingerprintManager{cachePath: cachePath}
}

// Fingerprint returns the stable installation identifier, loading the
// persisted value if present and generating plus persisting it
// otherwise.
func (fm *FingerprintManager) Fingerprint() (string, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.cached != "" {
		return fm.cached, nil
	}

	if data, err := os.ReadFile(fm.cachePath); err == nil {
		stored := strings.TrimSpace(string(data))
		if strings.HasPrefix(stored, FingerprintPrefix) {
			fm.cached = stored
			return stored, nil
		}
		slog.Warn("ignoring malformed fingerprint cache",
			slog.String("path", fm.cachePath))
	}

	fp, err := fm.generate()
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(fm.cachePath, []byte(fp+"\n"), 0600); err != nil {
		// Still usable this process; it will regenerate identically next
		// start as long as the inputs hold.
		slog.Warn("failed to persist fingerprint",
			slog.String("path", fm.cachePath),
			slog.String("error", err.Error()))
	}

	fm.cached = fp
	return fp, nil
}

// generate hashes machineID|hostname|installPath. A missing machine id
// degrades to hostname+path, which is weaker but still stable within
// one deployment.
func (fm *FingerprintManager) generate() (string, error) {
	hostname, err := Hostname()
	if err != nil {
		return "", err
	}

	installPath, err := installPath()
	if err != nil {
		installPath = "unknown-path"
		slog.Warn("failed to resolve install path, using fallback",
			slog.String("error", err.Error()))
	}

	machineID := MachineID()
	if machineID == "" {
		slog.Warn("no durable machine id found, falling back to hostname and path only")
	}

	combined := strings.Join([]string{machineID, hostname, installPath}, "|")
	sum := sha256.Sum256([]byte(combined))
	fp := FingerprintPrefix + hex.EncodeToString(sum[:])

	slog.Info("instance fingerprint generated",
		slog.String("fingerprint", fp),
		slog.String("hostname", hostname),
		slog.Bool("has_machine_id", machineID != ""),
	)
	return fp, nil
}

// MachineID returns the best-effort durable machine identifier, or ""
// when none is obtainable.
func MachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id
		}
	}
	// No registry access on Windows without cgo; hostname+path fallback
	// applies there.
	return ""
}

// Hostname returns the normalized machine hostname.
func Hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// installPath resolves the directory the running binary lives in.
func installPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Dir(resolved), nil
}
