// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
)

func newTestEchoFilter(t *testing.T) *EchoFilter {
	t.Helper()
	reg := newTestRegistry(t,
		PuppetEntry{Slug: "P1", MXID: "@p1:example.com", Token: "tok"},
	)
	return &EchoFilter{
		BridgeBotID: "bridge-bot-id",
		RelayBotID:  "relay-bot-id",
		Registry:    reg,
		BotPrefix:   "agent-",
	}
}

func TestEchoFilter_BridgeBot(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)
	v := f.Classify("bridge-bot-id", "anything", "")
	if !v.OwnEcho || v.Reason != EchoBridgeBot {
		t.Errorf("got %+v, want bridge-bot echo", v)
	}
}

func TestEchoFilter_RelayBot(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)
	v := f.Classify("relay-bot-id", "", "")
	if !v.OwnEcho || v.Reason != EchoRelayBot {
		t.Errorf("got %+v, want relay-bot echo", v)
	}
}

func TestEchoFilter_PuppetBot(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)
	// stub dialer maps slug P1 to Mattermost user bot-p1.
	v := f.Classify("bot-p1", "", "")
	if !v.OwnEcho || v.Reason != EchoPuppetBot {
		t.Errorf("got %+v, want puppet-bot echo", v)
	}
}

func TestEchoFilter_UsernamePrefix(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)

	tests := []struct {
		name     string
		username string
		want     bool
	}{
		{"configured prefix", "agent-sales", true},
		{"configured prefix with at", "@agent-sales", true},
		{"ghost prefix", "mattermost_abcdef", true},
		{"historical name", "matrix-bridge", true},
		{"historical name 2", "mattermost-bridge", true},
		{"genuine user", "ceo", false},
		{"empty username", "", false},
		{"prefix only in middle", "my-agent-x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Classify("human-user-id", tt.username, "")
			if v.OwnEcho != tt.want {
				t.Errorf("Classify username %q: got %+v, want OwnEcho=%v", tt.username, v, tt.want)
			}
			if tt.want && v.Reason != EchoUsernamePrefix {
				t.Errorf("Reason: got %q, want %q", v.Reason, EchoUsernamePrefix)
			}
		})
	}
}

func TestEchoFilter_SystemMessage(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)

	v := f.Classify("human-user-id", "ceo", model.PostTypeJoinChannel)
	if !v.OwnEcho || v.Reason != EchoSystemMessage {
		t.Errorf("got %+v, want system-message echo", v)
	}

	// Default post type is genuine content.
	if v := f.Classify("human-user-id", "ceo", model.PostTypeDefault); v.OwnEcho {
		t.Errorf("default post type should be genuine, got %+v", v)
	}
}

func TestEchoFilter_Genuine(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)
	v := f.Classify("human-user-id", "ceo", "")
	if v.OwnEcho {
		t.Errorf("genuine user should pass, got %+v", v)
	}
	if v.Reason != "" {
		t.Errorf("genuine verdict should carry no reason, got %q", v.Reason)
	}
}

// TestEchoFilter_RuleOrder pins the evaluation order of the chain: identity
// checks win over username patterns, which win over the post type.
func TestEchoFilter_RuleOrder(t *testing.T) {
	t.Parallel()
	f := newTestEchoFilter(t)

	// Sender matches both bridge bot ID and a bridge username: the ID rule
	// fires first.
	v := f.Classify("bridge-bot-id", "matrix-bridge", model.PostTypeJoinChannel)
	if v.Reason != EchoBridgeBot {
		t.Errorf("Reason: got %q, want %q", v.Reason, EchoBridgeBot)
	}

	// Puppet ID beats username prefix.
	v = f.Classify("bot-p1", "agent-sales", "")
	if v.Reason != EchoPuppetBot {
		t.Errorf("Reason: got %q, want %q", v.Reason, EchoPuppetBot)
	}

	// Username prefix beats system message type.
	v = f.Classify("human-user-id", "agent-sales", model.PostTypeJoinChannel)
	if v.Reason != EchoUsernamePrefix {
		t.Errorf("Reason: got %q, want %q", v.Reason, EchoUsernamePrefix)
	}
}

func TestEchoFilter_EmptyIDsDoNotMatchEverything(t *testing.T) {
	t.Parallel()
	// Unset bridge/relay IDs must not classify an empty sender as an echo.
	f := &EchoFilter{Registry: newTestRegistry(t)}
	if v := f.Classify("", "", ""); v.OwnEcho {
		t.Errorf("empty sender with unset IDs must be genuine, got %+v", v)
	}
}

func TestEchoFilter_NilRegistry(t *testing.T) {
	t.Parallel()
	f := &EchoFilter{BridgeBotID: "self"}
	// Must not panic without a registry.
	if v := f.Classify("someone", "ceo", ""); v.OwnEcho {
		t.Errorf("got %+v, want genuine", v)
	}
}

func TestIsBridgeUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		username  string
		botPrefix string
		want      bool
	}{
		{"mattermost-bridge", "", true},
		{"matrix-bridge", "", true},
		{"mattermost_ghost1", "", true},
		{"agent-x", "agent-", true},
		{"agent-x", "", false},
		{"regular", "agent-", false},
		{"", "agent-", false},
	}
	for _, tt := range tests {
		if got := isBridgeUsername(tt.username, tt.botPrefix); got != tt.want {
			t.Errorf("isBridgeUsername(%q, %q) = %v, want %v", tt.username, tt.botPrefix, got, tt.want)
		}
	}
}
