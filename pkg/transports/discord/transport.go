package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/GitFitCode/discord-convo-bot/pkg/logging"
	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

type Config struct {
	// PacketBuffer is the per-speaker opus packet queue length.
	PacketBuffer int
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PacketBuffer <= 0 {
		c.PacketBuffer = 64
	}
	return c
}

// voiceLink is the part of a discordgo voice connection the transport
// drives. Tests build one from plain channels.
type voiceLink struct {
	guildID    string
	channelID  string
	recv       <-chan *discordgo.Packet
	send       chan<- []byte
	speaking   func(bool) error
	disconnect func() error
	onSpeaking func(func(*discordgo.VoiceSpeakingUpdate))
}

func linkFromVoice(vc *discordgo.VoiceConnection) voiceLink {
	vc.RLock()
	guildID, channelID := vc.GuildID, vc.ChannelID
	vc.RUnlock()
	return voiceLink{
		guildID:    guildID,
		channelID:  channelID,
		recv:       vc.OpusRecv,
		send:       vc.OpusSend,
		speaking:   vc.Speaking,
		disconnect: vc.Disconnect,
		onSpeaking: func(fn func(*discordgo.VoiceSpeakingUpdate)) {
			vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) { fn(vs) })
		},
	}
}

// Transport joins Discord voice channels through a gateway session.
type Transport struct {
	session *discordgo.Session
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

func New(session *discordgo.Session, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		session: session,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(cfg.Logger, "discord_voice"),
		conns:   make(map[string]*Connection),
	}
	if session != nil {
		session.AddHandler(t.onVoiceStateUpdate)
	}
	return t
}

func (t *Transport) Name() string { return "discord" }

// Join connects to a voice channel unmuted and undeafened, reusing the
// guild's connection when it is already in that channel.
func (t *Transport) Join(_ context.Context, guildID, channelID string) (transports.Connection, error) {
	if guildID == "" || channelID == "" {
		return nil, errors.New("guild and channel required")
	}
	t.mu.Lock()
	if c, ok := t.conns[guildID]; ok && c.ChannelID() == channelID {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	t.logger.Info("voice_join", slog.String("guild_id", guildID), slog.String("channel_id", channelID))
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		t.logger.Error("voice_join_failed",
			slog.String("guild_id", guildID),
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("join voice channel %s: %w", channelID, err)
	}

	link := linkFromVoice(vc)
	link.channelID = channelID
	conn := newConnection(link, t.cfg, t.logger)
	conn.onDisconnect = func() { t.forget(guildID, conn) }

	t.mu.Lock()
	old := t.conns[guildID]
	t.conns[guildID] = conn
	t.mu.Unlock()
	if old != nil {
		// discordgo moved the same voice connection; retire the old handle.
		old.retire()
	}
	return conn, nil
}

func (t *Transport) Connection(guildID string) (transports.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[guildID]
	if !ok {
		return nil, false
	}
	return c, true
}

// DisconnectAll leaves every voice channel.
func (t *Transport) DisconnectAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Disconnect()
	}
}

// onVoiceStateUpdate watches the bot's own voice state. discordgo keeps a
// kicked connection's opus channels open, so this is the only signal that
// the channel was lost.
func (t *Transport) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || s.State == nil || s.State.User == nil {
		return
	}
	if vs.UserID != s.State.User.ID {
		return
	}
	t.voiceStateChanged(vs.GuildID, vs.ChannelID)
}

// voiceStateChanged drops the guild's connection when the bot is no longer
// in its channel.
func (t *Transport) voiceStateChanged(guildID, channelID string) {
	t.mu.Lock()
	c, ok := t.conns[guildID]
	t.mu.Unlock()
	if !ok || c.ChannelID() == channelID {
		return
	}
	t.logger.Warn("voice_connection_lost",
		slog.String("guild_id", guildID),
		slog.String("channel_id", c.ChannelID()),
		slog.String("now_in", channelID))
	if channelID != "" {
		// Moved elsewhere: the gateway connection follows the bot, so only
		// this handle ends.
		if c.retire() {
			t.forget(guildID, c)
		}
		return
	}
	if err := c.Disconnect(); err != nil {
		t.logger.Warn("voice_disconnect_failed",
			slog.String("guild_id", guildID),
			slog.String("error", err.Error()))
	}
}

func (t *Transport) forget(guildID string, c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[guildID] == c {
		delete(t.conns, guildID)
	}
}

var errPlaybackAttached = errors.New("playback already attached to this voice connection")

// Connection is a joined Discord voice channel.
type Connection struct {
	link   voiceLink
	cfg    Config
	logger *slog.Logger

	recvOnce sync.Once
	receiver *receiver

	mu           sync.Mutex
	player       *player
	closed       bool
	onDisconnect func()
	done         chan struct{}
}

func newConnection(link voiceLink, cfg Config, logger *slog.Logger) *Connection {
	return &Connection{
		link:   link,
		cfg:    cfg,
		logger: logger.With(slog.String("guild_id", link.guildID), slog.String("channel_id", link.channelID)),
		done:   make(chan struct{}),
	}
}

func (c *Connection) GuildID() string       { return c.link.guildID }
func (c *Connection) ChannelID() string     { return c.link.channelID }
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Receiver() transports.Receiver {
	c.recvOnce.Do(func() {
		c.receiver = newReceiver(c.link, c.cfg.PacketBuffer, c.logger)
	})
	return c.receiver
}

// Subscribe attaches the single playback slot of this connection.
func (c *Connection) Subscribe() (transports.Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("voice connection closed")
	}
	if c.player != nil {
		return nil, errPlaybackAttached
	}
	p := newPlayer(c.link, c.logger)
	p.onClose = func() {
		c.mu.Lock()
		if c.player == p {
			c.player = nil
		}
		c.mu.Unlock()
	}
	c.player = p
	return p, nil
}

func (c *Connection) Disconnect() error {
	if !c.retire() {
		return nil
	}
	c.logger.Info("voice_disconnect")
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	if c.link.disconnect == nil {
		return nil
	}
	return c.link.disconnect()
}

// retire releases local resources without touching the gateway.
func (c *Connection) retire() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	p := c.player
	c.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	if c.receiver != nil {
		c.receiver.close()
	}
	close(c.done)
	return true
}

var _ transports.Transport = (*Transport)(nil)
