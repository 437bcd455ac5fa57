// Package reporter turns the outcome of an attempt into the single result line
// the calling shell parses and into the process exit code.
package reporter
