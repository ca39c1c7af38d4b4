// Package discord adapts the Discord gateway (via discordgo) to the
// platform-neutral interface the core consumes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/gateway"
	"github.com/ashbot/ash/internal/logging"
)

// Adapter implements gateway.Gateway on a discordgo session.
type Adapter struct {
	session   *discordgo.Session
	handlers  gateway.Handlers
	logger    logging.Logger
	connected atomic.Bool
	appID     string
}

// New builds the adapter. SetHandlers and Open must be called before events
// flow.
func New(token string, logger logging.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errs.New("discord.New", "gateway", err)
	}

	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent

	a := &Adapter{session: s, logger: logger}

	s.AddHandler(a.onReady)
	s.AddHandler(a.onDisconnect)
	s.AddHandler(a.onResumed)
	s.AddHandler(a.onMessageCreate)
	s.AddHandler(a.onReactionAdd)
	s.AddHandler(a.onInteraction)

	return a, nil
}

// SetHandlers installs the event callbacks. Call before Open.
func (a *Adapter) SetHandlers(h gateway.Handlers) { a.handlers = h }

// Open connects to the gateway. An authentication failure is permanent and
// reported as such.
func (a *Adapter) Open() error {
	if err := a.session.Open(); err != nil {
		if err == discordgo.ErrWSAlreadyOpen {
			return nil
		}
		return errs.New("discord.Open", "gateway", classifyOpen(err))
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.appID = a.session.State.User.ID
	}
	return nil
}

// classifyOpen maps Discord's authentication-failed close (code 4004) onto
// the auth sentinel so startup can exit with the right code.
func classifyOpen(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "4004") || strings.Contains(strings.ToLower(msg), "authentication failed") {
		return errs.ErrAuthFailed
	}
	return err
}

// RegisterCommands installs the /ash application command. guildID may be
// empty for a global registration.
func (a *Adapter) RegisterCommands(guildID string) error {
	cmd := &discordgo.ApplicationCommand{
		Name:        "ash",
		Description: "Ash crisis-response bot",
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "status", Description: "Show your Ash contact preference"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "optout", Description: "Stop Ash from DMing you"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "optin", Description: "Allow Ash to DM you again"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "health", Description: "Component health (CRT only)"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "stats", Description: "Runtime stats (CRT only)"},
			{
				Type: discordgo.ApplicationCommandOptionSubCommand, Name: "notes", Description: "CRT notes about a user",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type: discordgo.ApplicationCommandOptionString, Name: "action", Description: "add or view", Required: true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "add", Value: "add"},
							{Name: "view", Value: "view"},
						},
					},
					{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "Target user", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "text", Description: "Note text"},
				},
			},
		},
	}
	_, err := a.session.ApplicationCommandCreate(a.appID, guildID, cmd)
	if err != nil {
		return errs.New("discord.RegisterCommands", "gateway", err)
	}
	return nil
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.connected.Store(true)
	if r.User != nil {
		a.appID = r.User.ID
	}
	a.logger.Info("gateway ready", nil)
}

func (a *Adapter) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	a.connected.Store(true)
}

func (a *Adapter) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.connected.Store(false)
	a.logger.Warn("gateway disconnected, reconnecting", nil)
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if a.handlers.OnMessage == nil || m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	a.handlers.OnMessage(gateway.MessageEvent{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		Text:      m.Content,
		IsDM:      m.GuildID == "",
		IsBot:     m.Author.Bot,
		At:        m.Timestamp,
	})
}

func (a *Adapter) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if a.handlers.OnReaction == nil {
		return
	}
	if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	a.handlers.OnReaction(gateway.ReactionEvent{
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
	})
}

func (a *Adapter) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}
	respond := &responder{session: s, interaction: i.Interaction}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		if a.handlers.OnButton == nil {
			return
		}
		data := i.MessageComponentData()
		ev := gateway.ButtonEvent{
			CustomID:  data.CustomID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
			UserID:    userID,
			Respond:   respond,
		}
		if i.Message != nil {
			ev.MessageID = i.Message.ID
		}
		a.handlers.OnButton(ev)

	case discordgo.InteractionApplicationCommand:
		if a.handlers.OnCommand == nil {
			return
		}
		data := i.ApplicationCommandData()
		ev := gateway.CommandEvent{
			Name:      data.Name,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
			UserID:    userID,
			Respond:   respond,
		}
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionSubCommand {
				ev.Subcommand = opt.Name
				for _, sub := range opt.Options {
					ev.Options = append(ev.Options, gateway.CommandOption{
						Name:  sub.Name,
						Value: optionString(sub),
					})
				}
			}
		}
		a.handlers.OnCommand(ev)
	}
}

func optionString(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	switch opt.Type {
	case discordgo.ApplicationCommandOptionUser:
		if u := opt.UserValue(nil); u != nil {
			return u.ID
		}
		return ""
	case discordgo.ApplicationCommandOptionString:
		return opt.StringValue()
	default:
		if s, ok := opt.Value.(string); ok {
			return s
		}
		return ""
	}
}

// responder answers one interaction.
type responder struct {
	session     *discordgo.Session
	interaction *discordgo.Interaction
}

func (r *responder) RespondEphemeral(_ context.Context, text string) error {
	return r.session.InteractionRespond(r.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (r *responder) Acknowledge(_ context.Context) error {
	return r.session.InteractionRespond(r.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
}

// classifyREST maps an outbound REST failure onto the shared sentinels so
// retry loops repeat only transient conditions. Rate limits and 5xx responses
// are transient; other API refusals (missing permissions, unknown channel)
// are permanent. An error that never produced an API response is a transport
// failure.
func classifyREST(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: %v", errs.ErrRateLimited, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Response == nil {
			return fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
		}
		switch {
		case rest.Response.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", errs.ErrRateLimited, err)
		case rest.Response.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
		default:
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
}

func (a *Adapter) SendMessage(_ context.Context, channelID, text string) (string, error) {
	msg, err := a.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", errs.NewID("discord.SendMessage", "gateway", channelID, classifyREST(err))
	}
	return msg.ID, nil
}

func (a *Adapter) SendEmbed(_ context.Context, channelID, content string, embed *gateway.Embed, buttons []gateway.Button) (string, error) {
	msg, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    content,
		Embeds:     []*discordgo.MessageEmbed{toDiscordEmbed(embed)},
		Components: toComponents(buttons),
	})
	if err != nil {
		return "", errs.NewID("discord.SendEmbed", "gateway", channelID, classifyREST(err))
	}
	return msg.ID, nil
}

func (a *Adapter) EditEmbed(_ context.Context, channelID, messageID, content string, embed *gateway.Embed, buttons []gateway.Button) error {
	components := toComponents(buttons)
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	_, err := a.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channelID,
		ID:         messageID,
		Content:    &content,
		Embeds:     &[]*discordgo.MessageEmbed{toDiscordEmbed(embed)},
		Components: &components,
	})
	if err != nil {
		return errs.NewID("discord.EditEmbed", "gateway", messageID, classifyREST(err))
	}
	return nil
}

func (a *Adapter) OpenDM(_ context.Context, userID string) (string, error) {
	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return "", errs.NewID("discord.OpenDM", "gateway", userID, classifyREST(err))
	}
	return ch.ID, nil
}

func (a *Adapter) MemberHasRole(_ context.Context, guildID, userID, roleID string) (bool, error) {
	if roleID == "" {
		return false, nil
	}
	member, err := a.session.State.Member(guildID, userID)
	if err != nil {
		member, err = a.session.GuildMember(guildID, userID)
		if err != nil {
			return false, errs.NewID("discord.MemberHasRole", "gateway", userID, err)
		}
	}
	for _, r := range member.Roles {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adapter) Connected() bool { return a.connected.Load() }

func (a *Adapter) Close() error {
	a.connected.Store(false)
	return a.session.Close()
}

func toDiscordEmbed(e *gateway.Embed) *discordgo.MessageEmbed {
	if e == nil {
		return nil
	}
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	}
	if e.Footer != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	return out
}

func toComponents(buttons []gateway.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return nil
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		row.Components = append(row.Components, discordgo.Button{
			CustomID: b.ID,
			Label:    b.Label,
			Style:    toStyle(b.Style),
		})
	}
	return []discordgo.MessageComponent{row}
}

func toStyle(s gateway.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case gateway.ButtonSuccess:
		return discordgo.SuccessButton
	case gateway.ButtonDanger:
		return discordgo.DangerButton
	case gateway.ButtonSecondary:
		return discordgo.SecondaryButton
	default:
		return discordgo.PrimaryButton
	}
}
