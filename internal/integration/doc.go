// Package integration holds end-to-end tests that drive the packager and the
// updater against an HTTPS release server.
package integration
