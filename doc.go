// Package lenslink is the session and message-relay core for a
// wearable-glasses cloud.
//
// Each device (smart glasses plus companion phone) holds one long-lived
// WebSocket to the relay; third-party Apps attach their own WebSockets to
// the same user session and declare subscriptions to device stream types.
// The relay routes device events to subscribed Apps, replays cached values
// to late subscribers, survives device reconnects within a grace period,
// and tracks outbound media streams with an acknowledged keep-alive.
//
// Layout:
//
//   - cmd/lenslinkd: the relay daemon
//   - gateway: WebSocket router and per-direction protocol handlers
//   - session: per-identity session aggregate and registry
//   - subscription, stream, protocol: routing table, keep-alive tracker,
//     wire types
//   - audio, profile, webhook: external collaborators (NATS audio
//     pipeline, JetStream KV profile store, App lifecycle webhooks)
package lenslink
