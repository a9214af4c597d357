// Package slackbot is the chat transport: a Socket Mode connection that
// feeds inbound messages, mentions, and reactions to the dispatcher and
// posts its replies. Everything here is a thin wrapper; no workflow
// logic lives in this package.
package slackbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/alexwang0317/HumanAnd/internal/dispatch"
	"github.com/alexwang0317/HumanAnd/internal/project"
)

type Client struct {
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	logger    *slog.Logger

	nameMu sync.Mutex
	names  map[string]string
}

func New(botToken, appToken string) (*Client, error) {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	identity, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", err)
	}
	return &Client{
		api:       api,
		socket:    socketmode.New(api),
		botUserID: identity.UserID,
		logger:    slog.Default(),
		names:     make(map[string]string),
	}, nil
}

// Run blocks on the Socket Mode connection, handing each inbound event
// to the dispatcher on its own goroutine so slow oracle calls never
// stall the loop.
func (c *Client) Run(ctx context.Context, dispatcher *dispatch.Dispatcher) error {
	go c.consumeEvents(ctx, dispatcher)
	return c.socket.RunContext(ctx)
}

func (c *Client) consumeEvents(ctx context.Context, dispatcher *dispatch.Dispatcher) {
	for evt := range c.socket.Events {
		switch evt.Type {
		case socketmode.EventTypeConnected:
			c.logger.Info("slack socket mode connected")
		case socketmode.EventTypeEventsAPI:
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
			c.routeEvent(ctx, dispatcher, apiEvent)
		}
	}
}

func (c *Client) routeEvent(ctx context.Context, dispatcher *dispatch.Dispatcher, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		msg := dispatch.Message{
			ChannelID:       ev.Channel,
			Author:          ev.User,
			Text:            ev.Text,
			Timestamp:       ev.TimeStamp,
			ThreadTimestamp: ev.ThreadTimeStamp,
		}
		go func() {
			if err := dispatcher.HandleMention(ctx, msg); err != nil {
				c.logger.Error("mention handling failed", "channel", msg.ChannelID, "error", err)
			}
		}()

	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		// Mentions arrive twice, once as app_mention and once as message.
		if strings.Contains(ev.Text, "<@"+c.botUserID+">") {
			return
		}
		msg := dispatch.Message{
			ChannelID:       ev.Channel,
			Author:          ev.User,
			Text:            ev.Text,
			Timestamp:       ev.TimeStamp,
			ThreadTimestamp: ev.ThreadTimeStamp,
		}
		go func() {
			if err := dispatcher.HandleMessage(ctx, msg); err != nil {
				c.logger.Error("message handling failed", "channel", msg.ChannelID, "error", err)
			}
		}()

	case *slackevents.ReactionAddedEvent:
		reaction := dispatch.Reaction{
			Name:             ev.Reaction,
			User:             ev.User,
			ChannelID:        ev.Item.Channel,
			MessageTimestamp: ev.Item.Timestamp,
		}
		go dispatcher.HandleReaction(ctx, reaction)
	}
}

// PostMessage posts to the channel, threaded when threadTS is set, and
// returns the new message's timestamp.
func (c *Client) PostMessage(channelID, text, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessage(channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// ChannelName resolves and caches the channel's name, falling back to
// the raw id when the lookup fails.
func (c *Client) ChannelName(channelID string) string {
	c.nameMu.Lock()
	if name, ok := c.names[channelID]; ok {
		c.nameMu.Unlock()
		return name
	}
	c.nameMu.Unlock()

	info, err := c.api.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		c.logger.Warn("channel name lookup failed", "channel", channelID, "error", err)
		return channelID
	}
	c.nameMu.Lock()
	c.names[channelID] = info.Name
	c.nameMu.Unlock()
	return info.Name
}

// ChannelMembers returns the channel's human members with profile info.
func (c *Client) ChannelMembers(channelID string) ([]project.Member, error) {
	ids, err := c.memberIDs(channelID)
	if err != nil {
		return nil, err
	}
	members := make([]project.Member, 0, len(ids))
	for _, id := range ids {
		user, err := c.api.GetUserInfo(id)
		if err != nil {
			return nil, fmt.Errorf("user info for %s: %w", id, err)
		}
		if user.IsBot || user.ID == "USLACKBOT" {
			continue
		}
		members = append(members, project.Member{
			ID:       user.ID,
			Name:     user.Name,
			RealName: user.RealName,
			Title:    user.Profile.Title,
		})
	}
	return members, nil
}

// MemberIDs returns the raw member id list for directory validation.
func (c *Client) MemberIDs(channelID string) ([]string, error) {
	return c.memberIDs(channelID)
}

func (c *Client) memberIDs(channelID string) ([]string, error) {
	var ids []string
	params := &slack.GetUsersInConversationParameters{ChannelID: channelID, Limit: 200}
	for {
		page, cursor, err := c.api.GetUsersInConversation(params)
		if err != nil {
			return nil, fmt.Errorf("channel members: %w", err)
		}
		ids = append(ids, page...)
		if cursor == "" {
			return ids, nil
		}
		params.Cursor = cursor
	}
}

// History returns the last 20 human messages, oldest first, formatted
// for oracle context.
func (c *Client) History(channelID string) (string, error) {
	resp, err := c.api.GetConversationHistory(&slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     20,
	})
	if err != nil {
		return "", fmt.Errorf("conversation history: %w", err)
	}

	// Slack returns newest first.
	var lines []string
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		msg := resp.Messages[i]
		if msg.BotID != "" || msg.SubType != "" || msg.Text == "" {
			continue
		}
		author := msg.User
		if author == "" {
			author = "unknown"
		}
		lines = append(lines, fmt.Sprintf("<@%s>: %s", author, msg.Text))
	}
	return strings.Join(lines, "\n"), nil
}

// Permalink builds a message permalink without an API round trip.
func (c *Client) Permalink(channelID, messageTS string) string {
	return fmt.Sprintf("https://slack.com/archives/%s/p%s", channelID, strings.ReplaceAll(messageTS, ".", ""))
}

// ResolveChannelID finds a public channel id by name. Used by the
// GitHub monitor, which starts from a project name rather than an id.
func (c *Client) ResolveChannelID(name string) (string, error) {
	params := &slack.GetConversationsParameters{
		Types: []string{"public_channel"},
		Limit: 200,
	}
	for {
		channels, cursor, err := c.api.GetConversations(params)
		if err != nil {
			return "", fmt.Errorf("list channels: %w", err)
		}
		for _, channel := range channels {
			if channel.Name == name {
				return channel.ID, nil
			}
		}
		if cursor == "" {
			return "", fmt.Errorf("no channel named %s", name)
		}
		params.Cursor = cursor
	}
}
