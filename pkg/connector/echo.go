// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// EchoReason tags why an inbound Mattermost event was classified as the
// bridge's own echo. Each reason corresponds to one layer of the echo
// prevention chain; every layer guards a distinct loop scenario and none
// may be removed.
type EchoReason string

const (
	// EchoBridgeBot: the sender is the bridge's own main login.
	EchoBridgeBot EchoReason = "bridge-bot"
	// EchoRelayBot: the sender is the relay fallback account.
	EchoRelayBot EchoReason = "relay-bot"
	// EchoPuppetBot: the sender is one of the registered puppet bots.
	EchoPuppetBot EchoReason = "puppet-bot"
	// EchoUsernamePrefix: the sender's username matches a known bridge
	// username pattern (hardcoded names, ghost prefix, configured prefix).
	EchoUsernamePrefix EchoReason = "username-prefix"
	// EchoSystemMessage: the event is a Mattermost system/administrative
	// post (join, leave, header change, ...), never user content.
	EchoSystemMessage EchoReason = "system-message"
)

// historicalBridgeUsernames are exact usernames that have been used by
// bridge infrastructure bots. Posts from them are never relayed, even if
// the configured prefix changes across deployments.
var historicalBridgeUsernames = []string{
	"mattermost-bridge",
	"matrix-bridge",
}

// ghostUsernamePrefix matches ghost users created by the bridge itself
// (username_template: mattermost_{{.}}).
const ghostUsernamePrefix = "mattermost_"

// EchoFilter classifies inbound Mattermost events as bridge-originated
// echoes or genuine user activity. Classification is a pure, ordered
// predicate chain: the first matching rule wins. Cheap identity comparisons
// run before the registry lookup, which runs before the username pattern
// scan. The filter holds no mutable state; the registry it consults is
// safe for concurrent reads.
type EchoFilter struct {
	// BridgeBotID is the Mattermost user ID of the login this filter
	// serves (the bridge's own posts come back on the WebSocket).
	BridgeBotID string
	// RelayBotID is the Mattermost user ID of the relay fallback login,
	// when it differs from the bridge bot.
	RelayBotID string
	// Registry resolves puppet bot identities.
	Registry *PuppetRegistry
	// BotPrefix is the operator-configured username prefix. Empty
	// disables prefix matching (the hardcoded patterns still apply).
	BotPrefix string
}

// EchoVerdict is the result of classifying one inbound event.
type EchoVerdict struct {
	OwnEcho bool
	Reason  EchoReason
}

// genuine is the verdict for events that passed every echo layer.
var genuine = EchoVerdict{}

// Classify runs the echo prevention chain over an inbound event's sender
// and post type. senderUsername may be empty when the frame did not carry
// one; the username layer is then skipped.
func (f *EchoFilter) Classify(senderID, senderUsername, postType string) EchoVerdict {
	if f.BridgeBotID != "" && senderID == f.BridgeBotID {
		return EchoVerdict{OwnEcho: true, Reason: EchoBridgeBot}
	}
	if f.RelayBotID != "" && senderID == f.RelayBotID {
		return EchoVerdict{OwnEcho: true, Reason: EchoRelayBot}
	}
	if f.Registry != nil && f.Registry.IsPuppetUserID(senderID) {
		return EchoVerdict{OwnEcho: true, Reason: EchoPuppetBot}
	}
	if isBridgeUsername(strings.TrimPrefix(senderUsername, "@"), f.BotPrefix) {
		return EchoVerdict{OwnEcho: true, Reason: EchoUsernamePrefix}
	}
	if postType != "" && postType != model.PostTypeDefault {
		return EchoVerdict{OwnEcho: true, Reason: EchoSystemMessage}
	}
	return genuine
}

// isBridgeUsername reports whether a username belongs to known bridge
// infrastructure: hardcoded historical bot names, ghost users created by
// the bridge, or the operator-configured prefix.
func isBridgeUsername(username, botPrefix string) bool {
	if username == "" {
		return false
	}
	for _, known := range historicalBridgeUsernames {
		if username == known {
			return true
		}
	}
	if strings.HasPrefix(username, ghostUsernamePrefix) {
		return true
	}
	return botPrefix != "" && strings.HasPrefix(username, botPrefix)
}
