// Package connection implements the reconnecting WebSocket Connection.
//
// A Connection:
//   - Owns exactly one socket at a time and a single read goroutine for its whole life
//   - Decodes frames (gzip binary frames are decompressed) into Messages
//   - Feeds a bounded Queue; overflow emits one error sentinel and fails the connection
//   - Reconnects with randomized exponential backoff, up to MaxReconnects attempts
//   - Exposes Hooks so sessions and request channels compose it instead of extending it
package connection
