// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/event"
)

// handleEvent dispatches a Mattermost WebSocket event by its kind tag. The
// dispatch table is part of the bridge contract: frames with unknown kinds
// are ignored, and a frame that fails to decode is logged and skipped
// without affecting the session.
func (m *MattermostClient) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		m.handlePosted(evt)
	case model.WebsocketEventPostEdited:
		m.handlePostEdited(evt)
	case model.WebsocketEventPostDeleted:
		m.handlePostDeleted(evt)
	case model.WebsocketEventReactionAdded:
		m.handleReaction(evt, bridgev2.RemoteEventReaction)
	case model.WebsocketEventReactionRemoved:
		m.handleReaction(evt, bridgev2.RemoteEventReactionRemove)
	case model.WebsocketEventTyping:
		m.handleTyping(evt)
	case model.WebsocketEventChannelViewed:
		m.handleChannelViewed(evt)
	case model.WebsocketEventUserUpdated:
		m.handleUserUpdated(evt)
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// decodePost extracts the typed post payload from a WebSocket frame.
func decodePost(evt *model.WebSocketEvent) (*model.Post, error) {
	raw, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event %s missing post data", evt.EventType())
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

// decodeReaction extracts the typed reaction payload from a WebSocket frame.
func decodeReaction(evt *model.WebSocketEvent) (*model.Reaction, error) {
	raw, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, fmt.Errorf("event %s missing reaction data", evt.EventType())
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	return &reaction, nil
}

// frameSenderName returns the sender username carried in the frame, if any.
func frameSenderName(evt *model.WebSocketEvent) string {
	name, _ := evt.GetData()["sender_name"].(string)
	return strings.TrimPrefix(name, "@")
}

// eventSenderFor builds the bridgev2 sender for a Mattermost user,
// attributing the event to the user's double-puppet login when one is
// registered so their own Matrix account sends the message.
func (m *MattermostClient) eventSenderFor(mmUserID string) bridgev2.EventSender {
	sender := bridgev2.EventSender{
		Sender: MakeUserID(mmUserID),
	}
	if loginID, ok := m.connector.DoublePuppetLoginID(mmUserID); ok {
		sender.SenderLogin = loginID
	}
	return sender
}

// filterPost runs the echo prevention chain over a decoded post. It
// returns false when the post is a bridge echo; the verdict reason is
// logged so loop regressions are diagnosable. No post may reach the
// conversion layer without passing through here.
func (m *MattermostClient) filterPost(evt *model.WebSocketEvent, post *model.Post, action string) bool {
	verdict := m.echo.Classify(post.UserId, frameSenderName(evt), post.Type)
	if verdict.OwnEcho {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Str("action", action).
			Str("reason", string(verdict.Reason)).
			Msg("Skipping own event (echo prevention)")
		return false
	}
	return true
}

func (m *MattermostClient) handlePosted(evt *model.WebSocketEvent) {
	post, err := decodePost(evt)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to decode posted event")
		return
	}
	if !m.filterPost(evt, post, "post") {
		return
	}

	m.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Message[*model.Post]{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessage,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey:    makePortalKey(post.ChannelId),
			Sender:       m.eventSenderFor(post.UserId),
			Timestamp:    time.UnixMilli(post.CreateAt),
			CreatePortal: true,
		},
		ID:   MakeMessageID(post.Id),
		Data: post,
		ConvertMessageFunc: func(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, data *model.Post) (*bridgev2.ConvertedMessage, error) {
			return m.convertPostToMatrix(data), nil
		},
	})
}

func (m *MattermostClient) handlePostEdited(evt *model.WebSocketEvent) {
	post, err := decodePost(evt)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to decode post edited event")
		return
	}
	if !m.filterPost(evt, post, "edit") {
		return
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Message[*model.Post]{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventEdit,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey: makePortalKey(post.ChannelId),
			Sender:    m.eventSenderFor(post.UserId),
			Timestamp: time.UnixMilli(post.EditAt),
		},
		TargetMessage: MakeMessageID(post.Id),
		Data:          post,
		ConvertEditFunc: func(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, existing []*database.Message, data *model.Post) (*bridgev2.ConvertedEdit, error) {
			return m.convertEditToMatrix(data, existing), nil
		},
	})
}

func (m *MattermostClient) handlePostDeleted(evt *model.WebSocketEvent) {
	post, err := decodePost(evt)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to decode post deleted event")
		return
	}
	if !m.filterPost(evt, post, "delete") {
		return
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.MessageRemove{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessageRemove,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey: makePortalKey(post.ChannelId),
			Sender:    m.eventSenderFor(post.UserId),
			Timestamp: time.UnixMilli(post.DeleteAt),
		},
		TargetMessage: MakeMessageID(post.Id),
	})
}

func (m *MattermostClient) handleReaction(evt *model.WebSocketEvent, eventType bridgev2.RemoteEventType) {
	reaction, err := decodeReaction(evt)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to decode reaction event")
		return
	}

	verdict := m.echo.Classify(reaction.UserId, frameSenderName(evt), "")
	if verdict.OwnEcho {
		m.log.Debug().
			Str("post_id", reaction.PostId).
			Str("user_id", reaction.UserId).
			Str("emoji", reaction.EmojiName).
			Str("reason", string(verdict.Reason)).
			Msg("Skipping own reaction (echo prevention)")
		return
	}

	remoteReaction := &simplevent.Reaction{
		EventMeta: simplevent.EventMeta{
			Type: eventType,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", reaction.PostId).Str("emoji", reaction.EmojiName)
			},
			PortalKey: makePortalKey(evt.GetBroadcast().ChannelId),
			Sender:    m.eventSenderFor(reaction.UserId),
		},
		TargetMessage: MakeMessageID(reaction.PostId),
		EmojiID:       MakeEmojiID(reaction.EmojiName),
	}
	if eventType == bridgev2.RemoteEventReaction {
		remoteReaction.Timestamp = time.UnixMilli(reaction.CreateAt)
		remoteReaction.Emoji = reactionToEmoji(reaction.EmojiName)
	}
	m.eventSender.QueueRemoteEvent(m.userLogin, remoteReaction)
}

func (m *MattermostClient) handleTyping(evt *model.WebSocketEvent) {
	userID, ok := evt.GetData()["user_id"].(string)
	if !ok || m.echo.Classify(userID, "", "").OwnEcho {
		return
	}

	timeout := m.connector.Config.TypingTimeout
	if timeout <= 0 {
		timeout = 5
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Typing{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventTyping,
			PortalKey: makePortalKey(evt.GetBroadcast().ChannelId),
			Sender:    m.eventSenderFor(userID),
		},
		Timeout: time.Duration(timeout) * time.Second,
	})
}

func (m *MattermostClient) handleChannelViewed(evt *model.WebSocketEvent) {
	channelID, ok := evt.GetData()["channel_id"].(string)
	if !ok {
		return
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Receipt{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventReadReceipt,
			PortalKey: makePortalKey(channelID),
			Sender: bridgev2.EventSender{
				IsFromMe: true,
				Sender:   MakeUserID(m.userID),
			},
		},
	})
}

// handleUserUpdated refreshes the ghost profile when a Mattermost user
// changes their name or avatar. Bridge-managed identities are skipped.
func (m *MattermostClient) handleUserUpdated(evt *model.WebSocketEvent) {
	raw, ok := evt.GetData()["user"]
	if !ok {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var user model.User
	if err := json.Unmarshal(data, &user); err != nil {
		m.log.Warn().Err(err).Msg("Failed to decode user updated event")
		return
	}
	if user.Id == "" || m.echo.Classify(user.Id, user.Username, "").OwnEcho {
		return
	}

	ctx := context.Background()
	ghost, err := m.connector.Bridge.GetGhostByID(ctx, MakeUserID(user.Id))
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", user.Id).Msg("Failed to get ghost for profile update")
		return
	}
	ghost.UpdateInfo(ctx, m.mmUserToUserInfo(&user))
}

// convertPostToMatrix converts a Mattermost post to a bridgev2.ConvertedMessage.
func (m *MattermostClient) convertPostToMatrix(post *model.Post) *bridgev2.ConvertedMessage {
	var parts []*bridgev2.ConvertedMessagePart

	if post.Message != "" {
		parsed := mattermostfmtParse(post.Message)

		parts = append(parts, &bridgev2.ConvertedMessagePart{
			ID:   MakeMessagePartID(0),
			Type: event.EventMessage,
			Content: &event.MessageEventContent{
				MsgType:       event.MsgText,
				Body:          parsed.Body,
				Format:        parsed.Format,
				FormattedBody: parsed.FormattedBody,
			},
		})
	}

	for i, fileID := range post.FileIds {
		filePart := m.convertFileToMatrix(fileID, i+1)
		if filePart != nil {
			parts = append(parts, filePart)
		}
	}

	msg := &bridgev2.ConvertedMessage{
		Parts: parts,
	}

	if post.RootId != "" {
		msg.ReplyTo = &networkid.MessageOptionalPartID{MessageID: MakeMessageID(post.RootId)}
	}

	return msg
}

// convertEditToMatrix converts an edited Mattermost post to a bridgev2.ConvertedEdit.
func (m *MattermostClient) convertEditToMatrix(post *model.Post, existing []*database.Message) *bridgev2.ConvertedEdit {
	parsed := mattermostfmtParse(post.Message)

	var targetPart *database.Message
	if len(existing) > 0 {
		targetPart = existing[0]
	}

	return &bridgev2.ConvertedEdit{
		ModifiedParts: []*bridgev2.ConvertedEditPart{{
			Part: targetPart,
			Type: event.EventMessage,
			Content: &event.MessageEventContent{
				MsgType:       event.MsgText,
				Body:          parsed.Body,
				Format:        parsed.Format,
				FormattedBody: parsed.FormattedBody,
			},
		}},
	}
}

// convertFileToMatrix converts a Mattermost file attachment to a Matrix message part.
func (m *MattermostClient) convertFileToMatrix(fileID string, partIndex int) *bridgev2.ConvertedMessagePart {
	ctx := context.Background()
	fileInfo, _, err := m.client.GetFileInfo(ctx, fileID)
	if err != nil {
		m.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
		return nil
	}

	msgType := event.MsgFile
	mimeType := fileInfo.MimeType
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		msgType = event.MsgAudio
	}

	return &bridgev2.ConvertedMessagePart{
		ID:   MakeMessagePartID(partIndex),
		Type: event.EventMessage,
		Content: &event.MessageEventContent{
			MsgType: msgType,
			Body:    fileInfo.Name,
			Info: &event.FileInfo{
				MimeType: mimeType,
				Size:     int(fileInfo.Size),
			},
		},
		Extra: map[string]any{
			"fi.mau.mattermost.file_id": fileID,
		},
	}
}

// reactionToEmoji converts a Mattermost emoji name to a Unicode emoji.
// Names outside the map render as :name: custom-emoji shortcodes.
func reactionToEmoji(name string) string {
	if emoji, ok := emojiByName[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}

var emojiByName = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "❤️",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "✅",
	"x":                "❌",
	"warning":          "⚠️",
	"rocket":           "\U0001f680",
	"star":             "⭐",
	"pray":             "\U0001f64f",
}
