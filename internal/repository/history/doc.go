// Package history records every update attempt in a local SQLite database so
// that an operator logging into the device can see why recent updates failed.
package history
