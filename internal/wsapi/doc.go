// Package wsapi multiplexes correlated requests and subscription events over one
// WebSocket API connection.
//
// Endpoint:
//   - wss://ws-api.binance.com:443/ws-api/v3
//
// Outbound frames are {id, method, params}. Inbound frames are either responses
// ({id, status, result} or {id, status, error}) resolved against the pending table,
// or events ({subscriptionId, event}) routed to the queue registered for that id.
package wsapi
