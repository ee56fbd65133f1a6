// Package keepalive keeps Binance user data stream tokens alive.
//
// Two strategies, chosen by Kind:
//   - Path token (user, margin, isolated_margin, futures, coin_futures, portfolio_margin):
//     a listen key obtained over REST is the stream path of a dedicated Connection.
//   - Subscription (user_subscription): a signed subscribe request on a shared
//     WebSocket API channel; events are routed to the session's own queue.
//
// Each session arms one timer per interval. On fire the token is re-validated:
// a rotated listen key forces a reconnect with the new key, otherwise it is renewed.
package keepalive
