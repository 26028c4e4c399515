// Package redishost implements sessions.SessionHost using Redis Streams.
//
// Design Notes
//   - Session streams: XADD + blocking XREAD polling; at-least-once delivery
//   - Trimming: approximate MAXLEN bounds each stream (configurable)
//   - Expiry: every publish refreshes the stream key's TTL so logs of
//     abandoned sessions disappear even if CleanupSession never runs
//
// Example:
//
//	host, _ := redishost.New(client, redishost.WithKeyPrefix("mcp:"))
//
// Use memoryhost for single-process servers; use redishost when dispatch runs
// in a different process than the one holding the stream.
package redishost
