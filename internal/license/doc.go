// Package license implements the hybrid license validation core: a
// self-contained signed license key that verifies completely offline,
// plus a periodic best-effort check-in against the licensing server for
// revocation and installation-count enforcement.
//
// The package is split into pure key handling (key.go, sign.go,
// verify.go), the closed tier capability tables (tier.go), the
// clock-injected check-in state machine (state.go) and the client-side
// Validator that the hosting application consumes (validator.go,
// checkin.go). Nothing in this package blocks the hosting application's
// request path; check-ins run asynchronously with a bounded timeout.
package license
