// license-signer issues, inspects and verifies signed license keys. It
// is an operator tool: the private key it uses never ships to customers
// or to the check-in server.
//
// Usage:
//
//	license-signer keygen -out license_private.pem -pub license_public.pem
//	license-signer sign -key license_private.pem -tier elite \
//	    -name "Acme Corp" -email ops@acme.example -company "Acme" \
//	    -expires 2027-08-30 -max-installations 5
//	license-signer inspect -license-key <key>
//	license-signer verify -pub license_public.pem -license-key <key>
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relaylic/internal/license"
)

const rsaKeyBits = 3072

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "sign":
		err = runSign(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "license-signer: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: license-signer <keygen|sign|inspect|verify> [flags]")
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "license_private.pem", "path for the private key")
	pub := fs.String("pub", "license_public.pem", "path for the public key")
	fs.Parse(args)

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(*out, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := license.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*pub, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("wrote %s and %s (%d-bit RSA)\n", *out, *pub, rsaKeyBits)
	return nil
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyPath := fs.String("key", "license_private.pem", "path to the signing private key")
	tierStr := fs.String("tier", "standard", "license tier: lite | standard | elite | off_the_walls")
	name := fs.String("name", "", "customer name (required)")
	email := fs.String("email", "", "customer email (required)")
	company := fs.String("company", "", "customer company")
	expiresStr := fs.String("expires", "", "expiry date YYYY-MM-DD; empty for perpetual")
	maxInstalls := fs.Int("max-installations", 1, "number of concurrent installations allowed")
	featuresStr := fs.String("features", "", "comma-separated feature override; empty uses tier defaults")
	fs.Parse(args)

	if *name == "" || *email == "" {
		return fmt.Errorf("-name and -email are required")
	}
	tier := license.Tier(*tierStr)
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", *tierStr)
	}
	if *maxInstalls < 1 {
		return fmt.Errorf("-max-installations must be >= 1")
	}

	var expiresAt *time.Time
	if *expiresStr != "" {
		t, err := time.Parse("2006-01-02", *expiresStr)
		if err != nil {
			return fmt.Errorf("invalid -expires %q: %w", *expiresStr, err)
		}
		// End of the stated day, so a key expiring "2027-08-30" still
		// works throughout that date.
		t = t.Add(24*time.Hour - time.Second).UTC()
		expiresAt = &t
	}

	features := license.FeaturesForTier(tier)
	if *featuresStr != "" {
		features = strings.Split(*featuresStr, ",")
		for i := range features {
			features[i] = strings.TrimSpace(features[i])
		}
	}

	signer, err := license.LoadSigner(*keyPath)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	payload := license.LicensePayload{
		LicenseID:        license.NewLicenseID(now),
		Tier:             tier,
		CustomerName:     *name,
		CustomerEmail:    *email,
		CustomerCompany:  *company,
		IssuedAt:         now,
		ExpiresAt:        expiresAt,
		MaxInstallations: *maxInstalls,
		Features:         features,
		Limits:           license.LimitsForTier(tier),
	}

	keyString, err := signer.SignToString(payload)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "issued %s (%s) for %s\n", payload.LicenseID, tier, *email)
	fmt.Println(keyString)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	keyString := fs.String("license-key", "", "license key to decode (or pass on stdin)")
	fs.Parse(args)

	ks, err := keyFromFlagOrStdin(*keyString)
	if err != nil {
		return err
	}

	key, err := license.DecodeKey(ks)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(key.Payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	pub := fs.String("pub", "license_public.pem", "path to the public key")
	keyString := fs.String("license-key", "", "license key to verify (or pass on stdin)")
	fs.Parse(args)

	ks, err := keyFromFlagOrStdin(*keyString)
	if err != nil {
		return err
	}

	pemData, err := os.ReadFile(*pub)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	verifier, err := license.NewVerifierFromPEM(pemData)
	if err != nil {
		return err
	}

	key, err := license.DecodeKey(ks)
	if err != nil {
		return err
	}
	if err := verifier.VerifyKey(key); err != nil {
		return err
	}

	status := "perpetual"
	if key.Payload.ExpiresAt != nil {
		status = "expires " + key.Payload.ExpiresAt.Format(time.RFC3339)
		if key.Payload.IsExpired(time.Now()) {
			status = "EXPIRED " + key.Payload.ExpiresAt.Format(time.RFC3339)
		}
	}
	fmt.Printf("signature OK: %s tier=%s max_installations=%d %s\n",
		key.Payload.LicenseID, key.Payload.Tier, key.Payload.MaxInstallations, status)
	return nil
}

func keyFromFlagOrStdin(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("no -license-key given and stdin unreadable: %w", err)
	}
	ks := strings.TrimSpace(string(data))
	if ks == "" {
		return "", fmt.Errorf("empty license key")
	}
	return ks, nil
}
