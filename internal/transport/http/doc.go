// Package http provides the licensing server's HTTP transport: the
// unauthenticated verify endpoint deployed instances check in against,
// and the bearer-token admin API for import, revocation, restore and
// installation listings.
package http
