// Package apply promotes a verified artifact to the active application tree.
//
// The archive is extracted next to the active tree, the two directories are
// exchanged in a single rename, and only then is the installed state record
// rewritten. A journal written before the exchange lets Recover finish or undo
// an attempt that was interrupted by a crash or power cut, so the device always
// boots either the old or the new tree, never a mix of both.
package apply
