// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package gateway exposes the engine to local presentation code over
// HTTP and WebSocket.
//
// The REST surface mirrors the coordinator's operations (open, close,
// send, react, mark read, page backward) and adds health and metrics
// endpoints. The WebSocket surface streams per-conversation snapshots
// and typing rosters: a client subscribes to conversation ids over the
// socket and receives latest-wins updates fed by the coordinator's
// observers.
//
// The gateway is a control surface for the process's own user, not a
// multi-tenant API; authentication of that user happened when the
// session token was installed.
package gateway
