// Package log provides structured logging for portreeve using zerolog.
//
// A single global zerolog.Logger is configured once via Init and shared by every
// package. Component loggers (WithComponent, WithProject, WithDomain, WithPID) attach
// a field and return a child logger; callers hold onto the child rather than
// re-deriving it per line. JSON output is used in production; a console writer is
// available for local runs.
package log
