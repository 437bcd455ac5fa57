// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Info, WarnKV, ErrorKV, etc.).
//
// All services accept a context and extract the logger from it, so every line
// written during an update attempt carries the attempt identifier.
package logger
