// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"errors"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrNoPuppetRoute is returned when a Matrix message has no puppet mapping
// for either sender field and no relay login is available. Callers must
// treat it as a drop with a logged reason; the bridge never falls back to
// posting under an arbitrary identity.
var ErrNoPuppetRoute = errors.New("no puppet or relay route for sender")

// outboundRoute is the resolved credential for one Mattermost send.
type outboundRoute struct {
	Client *model.Client4
	UserID string
	// Via describes which resolution step matched, for logging.
	Via string
}

// resolveOutboundRoute picks the Mattermost client to post a Matrix message
// with. Resolution order, first match wins:
//
//  1. the original sender recorded by bridgev2 for relayed messages
//     (keeps edits and replies attributed to their author even when the
//     live event carries the relay user)
//  2. the raw event sender (covers non-relay rooms)
//  3. this login's own client as the relay fallback
//
// The ordering is load-bearing; see the hot-reload and relay tests before
// changing it.
func (m *MattermostClient) resolveOutboundRoute(origSender *bridgev2.OrigSender, evt *event.Event) (outboundRoute, error) {
	registry := m.connector.Puppets

	if origSender != nil {
		if route, ok := m.puppetRoute(registry, origSender.UserID, "orig_sender"); ok {
			return route, nil
		}
	}
	if evt != nil && evt.Sender != "" {
		if route, ok := m.puppetRoute(registry, evt.Sender, "event_sender"); ok {
			return route, nil
		}
	}
	if m.client != nil {
		return outboundRoute{Client: m.client, UserID: m.userID, Via: "relay"}, nil
	}
	return outboundRoute{}, ErrNoPuppetRoute
}

func (m *MattermostClient) puppetRoute(registry *PuppetRegistry, mxid id.UserID, via string) (outboundRoute, bool) {
	if registry == nil {
		return outboundRoute{}, false
	}
	puppet, ok := registry.ResolveByMXID(mxid)
	if !ok {
		return outboundRoute{}, false
	}
	m.log.Debug().
		Str("mxid", string(mxid)).
		Str("mm_username", puppet.Username).
		Str("via", via).
		Msg("Using puppet client for message")
	return outboundRoute{Client: puppet.Client, UserID: puppet.UserID, Via: via}, true
}
