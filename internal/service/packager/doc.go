// Package packager prepares a release for distribution.
//
// It inspects the application archive, computes its size and SHA-512 checksum,
// optionally signs it with an OpenPGP key, and writes the release descriptor
// the updater consumes. With a publish target it uploads the archive and the
// descriptor to S3-compatible storage.
package packager
