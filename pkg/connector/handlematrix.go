// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"
)

// HandleMatrixMessage handles a message sent from Matrix to Mattermost.
// The outbound puppet router picks which Mattermost identity posts it; a
// message with no route is dropped with a logged reason, never sent under
// a default identity.
func (m *MattermostClient) HandleMatrixMessage(ctx context.Context, msg *bridgev2.MatrixMessage) (*bridgev2.MatrixMessageResponse, error) {
	if !m.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_id", string(msg.Event.ID)).
			Msg("Dropping Matrix message without outbound route")
		return nil, err
	}

	channelID := ParsePortalID(msg.Portal.ID)
	content := msg.Content

	post := &model.Post{
		ChannelId: channelID,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text := matrixfmtParse(content)
		if content.MsgType == event.MsgEmote {
			text = "/me " + text
		}
		post.Message = text

	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		fileID, err := m.uploadMatrixMedia(ctx, msg, route)
		if err != nil {
			return nil, fmt.Errorf("failed to upload media: %w", err)
		}
		post.FileIds = []string{fileID}
		if content.Body != "" && content.Body != content.GetFileName() {
			post.Message = content.Body
		}

	default:
		return nil, fmt.Errorf("unsupported message type: %s", content.MsgType)
	}

	// Handle replies.
	if msg.ReplyTo != nil {
		post.RootId = ParseMessageID(msg.ReplyTo.ID)
	}

	createdPost, _, err := route.Client.CreatePost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	return &bridgev2.MatrixMessageResponse{
		DB: &database.Message{
			ID:       MakeMessageID(createdPost.Id),
			SenderID: MakeUserID(route.UserID),
		},
	}, nil
}

// HandleMatrixEdit handles an edit sent from Matrix. Edits route through
// the same puppet resolution as the original message so a correction stays
// attributed to its author.
func (m *MattermostClient) HandleMatrixEdit(ctx context.Context, msg *bridgev2.MatrixEdit) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_id", string(msg.Event.ID)).
			Msg("Dropping Matrix edit without outbound route")
		return err
	}

	postID := ParseMessageID(msg.EditTarget.ID)
	text := matrixfmtParse(msg.Content)

	_, _, err = route.Client.PatchPost(ctx, postID, &model.PostPatch{Message: &text})
	if err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

// HandleMatrixMessageRemove handles a message deletion from Matrix.
func (m *MattermostClient) HandleMatrixMessageRemove(ctx context.Context, msg *bridgev2.MatrixMessageRemove) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).Msg("Dropping Matrix redaction without outbound route")
		return err
	}

	postID := ParseMessageID(msg.TargetMessage.ID)
	if _, err := route.Client.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// PreHandleMatrixReaction validates a reaction before sending. The
// reaction is attributed to the routed Mattermost identity so the stored
// sender matches the account that will save it.
func (m *MattermostClient) PreHandleMatrixReaction(_ context.Context, msg *bridgev2.MatrixReaction) (bridgev2.MatrixReactionPreResponse, error) {
	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_id", string(msg.Event.ID)).
			Msg("Dropping Matrix reaction without outbound route")
		return bridgev2.MatrixReactionPreResponse{}, err
	}

	emojiID := emojiToReaction(msg.Content.RelatesTo.Key)
	return bridgev2.MatrixReactionPreResponse{
		SenderID: MakeUserID(route.UserID),
		EmojiID:  MakeEmojiID(emojiID),
		Emoji:    msg.Content.RelatesTo.Key,
	}, nil
}

// HandleMatrixReaction sends a reaction to Mattermost under the routed
// identity.
func (m *MattermostClient) HandleMatrixReaction(ctx context.Context, msg *bridgev2.MatrixReaction) (reaction *database.Reaction, err error) {
	if !m.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_id", string(msg.Event.ID)).
			Msg("Dropping Matrix reaction without outbound route")
		return nil, err
	}

	postID := ParseMessageID(msg.TargetMessage.ID)
	emojiName := ParseEmojiID(msg.PreHandleResp.EmojiID)

	_, _, err = route.Client.SaveReaction(ctx, &model.Reaction{
		UserId:    route.UserID,
		PostId:    postID,
		EmojiName: emojiName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save reaction: %w", err)
	}

	return &database.Reaction{
		EmojiID: MakeEmojiID(emojiName),
	}, nil
}

// HandleMatrixReactionRemove removes a reaction in Mattermost under the
// routed identity.
func (m *MattermostClient) HandleMatrixReactionRemove(ctx context.Context, msg *bridgev2.MatrixReactionRemove) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	route, err := m.resolveOutboundRoute(msg.OrigSender, msg.Event)
	if err != nil {
		m.log.Warn().Err(err).
			Str("event_id", string(msg.Event.ID)).
			Msg("Dropping Matrix reaction removal without outbound route")
		return err
	}

	postID := ParseMessageID(msg.TargetReaction.MessageID)
	emojiName := ParseEmojiID(msg.TargetReaction.EmojiID)

	_, err = route.Client.DeleteReaction(ctx, &model.Reaction{
		UserId:    route.UserID,
		PostId:    postID,
		EmojiName: emojiName,
	})
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

// HandleMatrixReadReceipt marks a channel as viewed in Mattermost.
func (m *MattermostClient) HandleMatrixReadReceipt(ctx context.Context, msg *bridgev2.MatrixReadReceipt) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	// Read receipts carry no Matrix sender, so resolution falls through
	// to the relay login.
	route, err := m.resolveOutboundRoute(nil, nil)
	if err != nil {
		return err
	}

	channelID := ParsePortalID(msg.Portal.ID)
	_, _, err = route.Client.ViewChannel(ctx, route.UserID, &model.ChannelView{
		ChannelId: channelID,
	})
	if err != nil {
		return fmt.Errorf("failed to mark channel as viewed: %w", err)
	}
	return nil
}

// HandleMatrixTyping sends a typing indicator to Mattermost.
func (m *MattermostClient) HandleMatrixTyping(ctx context.Context, msg *bridgev2.MatrixTyping) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	// Typing frames carry no Matrix sender, so resolution falls through
	// to the relay login.
	route, err := m.resolveOutboundRoute(nil, nil)
	if err != nil {
		m.log.Debug().Err(err).Msg("No outbound route for typing indicator")
		return nil
	}

	channelID := ParsePortalID(msg.Portal.ID)

	_, err = route.Client.PublishUserTyping(ctx, route.UserID, model.TypingRequest{
		ChannelId: channelID,
	})
	if err != nil {
		m.log.Debug().Err(err).Msg("Failed to send typing indicator")
	}
	return nil
}

// uploadMatrixMedia downloads media from Matrix and uploads it to Mattermost
// under the routed identity.
func (m *MattermostClient) uploadMatrixMedia(ctx context.Context, msg *bridgev2.MatrixMessage, route outboundRoute) (string, error) {
	content := msg.Content

	data, err := msg.Portal.Bridge.Bot.DownloadMedia(ctx, content.URL, content.File)
	if err != nil {
		return "", fmt.Errorf("failed to download Matrix media: %w", err)
	}

	channelID := ParsePortalID(msg.Portal.ID)
	filename := content.GetFileName()
	if filename == "" {
		filename = "upload"
	}

	fileUploadResp, _, err := route.Client.UploadFile(ctx, data, channelID, filename)
	if err != nil {
		return "", fmt.Errorf("failed to upload to Mattermost: %w", err)
	}

	if len(fileUploadResp.FileInfos) == 0 {
		return "", fmt.Errorf("no file info returned from upload")
	}

	return fileUploadResp.FileInfos[0].Id, nil
}

// emojiToReaction converts a Unicode emoji to a Mattermost emoji name.
func emojiToReaction(emoji string) string {
	if name, ok := emojiToNameMap[emoji]; ok {
		return name
	}

	// Strip colons for custom emoji names.
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}

	return emoji
}

var emojiToNameMap = map[string]string{
	"\U0001f44d": "+1",
	"\U0001f44e": "-1",
	"❤️":         "heart",
	"\U0001f604": "smile",
	"\U0001f606": "laughing",
	"\U0001f44b": "wave",
	"\U0001f44f": "clap",
	"\U0001f525": "fire",
	"\U0001f4af": "100",
	"\U0001f389": "tada",
	"\U0001f440": "eyes",
	"\U0001f914": "thinking",
	"✅":          "white_check_mark",
	"❌":          "x",
	"⚠️":         "warning",
	"\U0001f680": "rocket",
	"⭐":          "star",
	"\U0001f64f": "pray",
}
