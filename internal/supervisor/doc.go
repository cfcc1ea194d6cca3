// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package supervisor builds the suture tree that keeps the engine's
// long-running parts alive.
//
// The tree has three layers for failure isolation:
//
//   - data: journal compaction and recovery loops
//   - engine: the sync coordinator and the stream hub
//   - api: the gateway HTTP server
//
// A crash in one layer restarts only that layer's services; the store
// keeps serving its last materialized views while the coordinator comes
// back.
package supervisor
