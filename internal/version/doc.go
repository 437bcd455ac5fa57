// Package version exposes build metadata for nanokvm-updater.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. Short is what self-update compares against the updater block
// of a release descriptor; Full is printed by the version subcommand.
package version
