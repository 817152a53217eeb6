package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

// Transport is an in-memory voice transport for local testing and integration.
// It implements transports.Transport without any network dependency.
type Transport struct {
	mu    sync.Mutex
	conns map[string]*Connection

	// JoinErr, when set, is returned by Join.
	JoinErr error
}

func New() *Transport {
	return &Transport{conns: make(map[string]*Connection)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Join(_ context.Context, guildID, channelID string) (transports.Connection, error) {
	if t.JoinErr != nil {
		return nil, t.JoinErr
	}
	if guildID == "" || channelID == "" {
		return nil, errors.New("guild and channel required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[guildID]; ok && !c.Disconnected() {
		if c.channelID == channelID {
			return c, nil
		}
		_ = c.Disconnect()
	}
	c := NewConnection(guildID, channelID)
	c.onDisconnect = func() {
		t.mu.Lock()
		if t.conns[guildID] == c {
			delete(t.conns, guildID)
		}
		t.mu.Unlock()
	}
	t.conns[guildID] = c
	return c, nil
}

func (t *Transport) Connection(guildID string) (transports.Connection, bool) {
	c, ok := t.Mock(guildID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Mock returns the concrete connection for inspection.
func (t *Transport) Mock(guildID string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[guildID]
	return c, ok
}

// Connection is an in-memory voice connection.
type Connection struct {
	guildID   string
	channelID string
	receiver  *Receiver
	player    *Player

	mu            sync.Mutex
	subscribeErr  error
	subscriptions int
	disconnected  bool
	onDisconnect  func()
	done          chan struct{}
}

func NewConnection(guildID, channelID string) *Connection {
	return &Connection{
		guildID:   guildID,
		channelID: channelID,
		receiver:  NewReceiver(),
		player:    NewPlayer(),
		done:      make(chan struct{}),
	}
}

func (c *Connection) GuildID() string               { return c.guildID }
func (c *Connection) ChannelID() string             { return c.channelID }
func (c *Connection) Receiver() transports.Receiver { return c.receiver }
func (c *Connection) MockReceiver() *Receiver       { return c.receiver }
func (c *Connection) MockPlayer() *Player           { return c.player }

// RefuseSubscriptions makes Subscribe fail with err.
func (c *Connection) RefuseSubscriptions(err error) {
	c.mu.Lock()
	c.subscribeErr = err
	c.mu.Unlock()
}

func (c *Connection) Subscribe() (transports.Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil, errors.New("connection closed")
	}
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.subscriptions++
	c.player.reopen()
	return c.player, nil
}

func (c *Connection) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already closed", c.channelID)
	}
	c.disconnected = true
	hook := c.onDisconnect
	c.mu.Unlock()

	_ = c.player.Close()
	c.receiver.closeAll()
	close(c.done)
	if hook != nil {
		hook()
	}
	return nil
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}
