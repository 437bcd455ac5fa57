// Package update contains the core domain types of the NanoKVM update workflow.
//
// It defines the release Descriptor fetched from the distribution source, the
// InstalledState persisted on the device, the StagedPayload owned by a single
// attempt, the Result observed by the calling shell, the error Category taxonomy,
// and Decide, the pure version gate.
package update
