// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

// Package models defines the domain types shared across the sync engine:
// topics, inbound envelopes with their closed payload union, message
// entries, conversation views, presence entries, and the error taxonomy.
//
// Storage is arena-style: conversations and messages live in flat id-keyed
// collections and reference each other by id only, never by pointer. That
// keeps ownership unambiguous and the types trivially serializable.
package models
