// Package api provides the Binance REST client for user data stream listen keys.
//
// REST endpoints:
//   - Spot: https://api.binance.com
//   - USD-M futures: https://fapi.binance.com
//   - COIN-M futures: https://dapi.binance.com
//   - Portfolio margin: https://papi.binance.com
//
// Listen key paths: /api/v3/userDataStream, /sapi/v1/userDataStream,
// /sapi/v1/userDataStream/isolated, /fapi/v1/listenKey, /dapi/v1/listenKey,
// /papi/v1/listenKey
package api
