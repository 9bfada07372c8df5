// Package session defines the session log store: the durable, append-only
// record of every bot run and the log entries it produced.
//
// Backends live in subpackages (memory, sqlite, postgres); factory selects
// one from a DSN.
package session
