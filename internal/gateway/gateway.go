// Package gateway abstracts the chat platform. The core consumes this
// interface only; the production Discord adapter lives in the discord
// subpackage and tests use the in-memory Fake.
package gateway

import (
	"context"
	"time"
)

// Embed is a platform-neutral rich message.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
	Footer      string
	Timestamp   time.Time
}

// EmbedField is one field row of an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// ButtonStyle selects the rendering of an interactive control.
type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

// Button is an interactive control attached to a message.
type Button struct {
	// ID is the custom id delivered back on click, e.g. "ash:ack:<alertID>".
	ID    string
	Label string
	Style ButtonStyle
}

// MessageEvent is a message observed in a channel the bot can read.
type MessageEvent struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Text      string
	IsDM      bool
	IsBot     bool
	At        time.Time
}

// ReactionEvent is an emoji reaction added to a message.
type ReactionEvent struct {
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
}

// Responder answers an interaction. Implementations must be safe to call once.
type Responder interface {
	// RespondEphemeral replies with text only the interacting user sees.
	RespondEphemeral(ctx context.Context, text string) error
	// Acknowledge completes the interaction without a visible reply.
	Acknowledge(ctx context.Context) error
}

// ButtonEvent is a click on an interactive control.
type ButtonEvent struct {
	CustomID  string
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	Respond   Responder
}

// CommandOption is one option of an invoked slash command.
type CommandOption struct {
	Name  string
	Value string
}

// CommandEvent is a slash-command invocation.
type CommandEvent struct {
	Name       string
	Subcommand string
	Options    []CommandOption
	GuildID    string
	ChannelID  string
	UserID     string
	Respond    Responder
}

// Handlers receives gateway events. Nil handlers are skipped.
type Handlers struct {
	OnMessage  func(MessageEvent)
	OnReaction func(ReactionEvent)
	OnButton   func(ButtonEvent)
	OnCommand  func(CommandEvent)
}

// Gateway is the outbound chat-platform surface the core depends on.
type Gateway interface {
	// SendMessage posts plain text and returns the new message id.
	SendMessage(ctx context.Context, channelID, text string) (string, error)

	// SendEmbed posts an embed with optional content and buttons.
	SendEmbed(ctx context.Context, channelID, content string, embed *Embed, buttons []Button) (string, error)

	// EditEmbed replaces the embed (and buttons) of an existing message.
	EditEmbed(ctx context.Context, channelID, messageID, content string, embed *Embed, buttons []Button) error

	// OpenDM returns the DM channel id for a user, creating it if needed.
	OpenDM(ctx context.Context, userID string) (string, error)

	// MemberHasRole reports whether the guild member carries the role.
	MemberHasRole(ctx context.Context, guildID, userID, roleID string) (bool, error)

	// Connected reports whether the gateway connection is live.
	Connected() bool

	Close() error
}

// RoleMention renders a role mention for message content.
func RoleMention(roleID string) string {
	return "<@&" + roleID + ">"
}

// MessageLink renders a jump link to a guild message.
func MessageLink(guildID, channelID, messageID string) string {
	return "https://discord.com/channels/" + guildID + "/" + channelID + "/" + messageID
}
