// Package updater runs the unattended update workflow of a NanoKVM device.
//
// One invocation is one attempt: take the device lock, settle any attempt that
// a crash interrupted, compare the installed version with the published
// release, then download, verify and apply it. Every failure leaves the
// previous version active, and the outcome is reported as a single result line
// plus an exit code for the calling shell. The updater never reboots.
package updater
