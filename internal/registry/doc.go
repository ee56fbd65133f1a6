// Package registry owns every socket a process opens and hands out one instance
// per logical stream.
//
// Market streams are keyed by market and path, user data sessions by kind and
// symbol, and the WebSocket API channel by a fixed key. Concurrent lookups of
// the same key share one creation. An entry leaves the registry when it is
// closed, or when a lookup finds it failed and replaces it.
package registry
