/*
Package relay serves the tracking relay over HTTP.

Endpoints:

  - /ws: WebSocket client gateway. See package gateway for the event envelope.
  - /healthz: upstream session state, relay address, cache size and client count.
  - /api/positions: the cached fleet snapshot, optionally filtered with ?ids=D1,D2.
  - /metrics: Prometheus metrics.
*/
package relay
