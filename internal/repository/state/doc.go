// Package state implements persistence for the installed state record and the
// pending swap journal.
//
// Both are small KEY=value INI files so that the device's own boot scripts can
// read them. Every write goes through an atomic temp-file-and-rename, so readers
// see either the previous record or the new one.
package state
