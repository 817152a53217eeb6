package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/resilience"
)

// Engine starts and stops relay sessions on behalf of slash commands.
type Engine interface {
	// StartSession reports false when a session already runs in the channel.
	StartSession(ctx context.Context, guildID, channelID string) (bool, error)
	// StopSession reports false when the guild has no session.
	StopSession(guildID string) (bool, error)
}

const (
	CommandChat  = "chat"
	CommandLeave = "leave"
)

var commandDefinitions = []*discordgo.ApplicationCommand{
	{Name: CommandChat, Description: "Join your voice channel and start a realtime conversation"},
	{Name: CommandLeave, Description: "Stop the conversation and leave the voice channel"},
}

// Commands wires /chat and /leave to an Engine.
type Commands struct {
	session *discordgo.Session
	engine  Engine
	appID   string
	guildID string
	timeout time.Duration
	retry   resilience.RetryPolicy
	logger  *slog.Logger

	mu         sync.Mutex
	registered []*discordgo.ApplicationCommand
	remove     func()
}

func NewCommands(session *discordgo.Session, engine Engine, appID, guildID string, logger *slog.Logger) *Commands {
	return &Commands{
		session: session,
		engine:  engine,
		appID:   appID,
		guildID: guildID,
		timeout: 15 * time.Second,
		retry:   resilience.NewRetryPolicy(2, 500*time.Millisecond),
		logger:  logging.NewComponentLogger(logger, "discord_commands"),
	}
}

// Register creates the application commands (guild scoped when a guild id
// is configured) and installs the interaction handler.
func (c *Commands) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remove != nil {
		return nil
	}
	for _, def := range commandDefinitions {
		var cmd *discordgo.ApplicationCommand
		err := c.retry.Do(context.Background(), func() error {
			var err error
			cmd, err = c.session.ApplicationCommandCreate(c.appID, c.guildID, def)
			return err
		})
		if err != nil {
			return errors.Join(err, c.unregisterLocked())
		}
		c.registered = append(c.registered, cmd)
	}
	c.remove = c.session.AddHandler(c.onInteraction)
	c.logger.Info("commands_registered", slog.Int("count", len(c.registered)), slog.String("guild_id", c.guildID))
	return nil
}

func (c *Commands) Unregister() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisterLocked()
}

func (c *Commands) unregisterLocked() error {
	if c.remove != nil {
		c.remove()
		c.remove = nil
	}
	var errs []error
	for _, cmd := range c.registered {
		if err := c.session.ApplicationCommandDelete(c.appID, c.guildID, cmd.ID); err != nil {
			errs = append(errs, err)
		}
	}
	c.registered = nil
	return errors.Join(errs...)
}

func (c *Commands) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	name := i.ApplicationCommandData().Name
	if name != CommandChat && name != CommandLeave {
		return
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		c.logger.Warn("interaction_ack_failed", slog.String("command", name), slog.String("error", err.Error()))
		return
	}

	var reply string
	switch name {
	case CommandChat:
		reply = c.handleChat(s, i)
	case CommandLeave:
		reply = c.handleLeave(i)
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		c.logger.Warn("interaction_reply_failed", slog.String("command", name), slog.String("error", err.Error()))
	}
}

func (c *Commands) handleChat(s *discordgo.Session, i *discordgo.InteractionCreate) string {
	if i.GuildID == "" {
		return "This command only works in a server."
	}
	userID := interactionUser(i)
	vs, err := s.State.VoiceState(i.GuildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "Join a voice channel first."
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	started, err := c.engine.StartSession(ctx, i.GuildID, vs.ChannelID)
	if err != nil {
		c.logger.Error("chat_command_failed",
			slog.String("guild_id", i.GuildID),
			slog.String("channel_id", vs.ChannelID),
			slog.String("error", err.Error()))
		return "Could not start the conversation."
	}
	if !started {
		return "Already listening in that channel."
	}
	return "Listening. Start talking."
}

func (c *Commands) handleLeave(i *discordgo.InteractionCreate) string {
	if i.GuildID == "" {
		return "This command only works in a server."
	}
	stopped, err := c.engine.StopSession(i.GuildID)
	if err != nil {
		c.logger.Error("leave_command_failed", slog.String("guild_id", i.GuildID), slog.String("error", err.Error()))
		return "Left, with errors."
	}
	if !stopped {
		return "Not in a voice channel."
	}
	return "Left the voice channel."
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
