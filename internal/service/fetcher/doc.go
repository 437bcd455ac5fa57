// Package fetcher downloads release descriptors and artifacts from untrusted
// https:// and s3:// endpoints into a private staging directory.
//
// Every download is bounded in size and time, transient failures are retried
// with a doubling delay, and a partial file never outlives a failed attempt.
// The bytes are not trusted until the verifier has checked them.
package fetcher
