// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Mattermost bridge using the mautrix
// bridgev2 framework.
//
// The key differentiator of this bridge is puppet identity routing: each
// Matrix user can post to Mattermost under a dedicated bot account rather
// than a shared relay identity. Puppets are configured via environment
// variables (MATTERMOST_PUPPET_*) or the hot-reload HTTP API at
// POST /api/reload-puppets.
//
// # Core Types
//
// [MattermostConnector] implements [bridgev2.NetworkConnector] and manages the
// bridge lifecycle, puppet registry, admin API, and portal relay watcher.
//
// [MattermostClient] represents an authenticated Mattermost user session. It
// maintains a WebSocket connection for real-time events and performs REST API
// calls for channel sync, message sending, and backfill.
//
// [PuppetRegistry] holds the active set of [Puppet] identities in an
// atomically swapped snapshot. Each puppet maps a Matrix user (MXID) to a
// Mattermost bot/user client, allowing that user's messages to appear
// under the bot's identity. Reloads replace the whole snapshot at once, so
// readers never see a partially applied configuration.
//
// # Echo Prevention
//
// [EchoFilter] classifies every inbound Mattermost event before it enters
// the bridge pipeline, in a fixed rule order: bridge bot, relay bot,
// puppet accounts, configurable username prefixes, and system message
// types. Anything the filter marks as the bridge's own echo is dropped to
// avoid infinite message loops between the two platforms.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Mattermost markdown.
//   - mattermostfmt converts Mattermost markdown to Matrix HTML.
package connector
