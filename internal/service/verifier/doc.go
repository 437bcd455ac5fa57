// Package verifier checks a downloaded artifact against its release descriptor
// before anything is extracted from it.
package verifier
