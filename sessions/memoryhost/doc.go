// Package memoryhost provides an in-memory implementation of
// sessions.SessionHost. Each session keeps an append-only message log with
// per-session sequence numbers as event ids; subscribers wake on publish and
// deliver in order. The log can be bounded with WithMaxMessages.
package memoryhost
