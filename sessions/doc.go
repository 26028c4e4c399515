// Package sessions defines the session abstraction that correlates an SSE
// stream with the POST requests submitted against it.
//
// # Manager
//
// Manager owns the session table: it creates sessions, records activity,
// tracks stream loss (orphaning) and termination, and sweeps idle records.
// Status moves active -> orphaned -> terminated, or directly to terminated;
// terminated is absorbing. The table is process-local, so multi-instance
// deployments need sticky routing.
//
// # Host Interface
//
// SessionHost carries messages produced for a session to the goroutine that
// writes its stream:
//   - PublishSession / SubscribeSession : ordered per-session message log (at-least-once)
//   - CleanupSession                    : drop the log once the session ends
//
// Implementations
//
//	memoryhost : in-memory reference used for tests / single-process servers
//	redishost  : Redis Streams backed implementation
package sessions
