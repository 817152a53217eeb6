package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GitFitCode/discord-convo-bot/pkg/transports"
)

var ErrDraining = errors.New("session registry draining")

// Factory builds an unstarted coordinator for a voice connection.
type Factory func(ctx context.Context, conn transports.Connection) (*Coordinator, error)

// Registry holds at most one relay session per voice channel.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	draining atomic.Bool
	createMu sync.Mutex
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// GetOrCreate returns the channel's session, starting one if none exists.
// The bool reports whether a new session was started.
func (r *Registry) GetOrCreate(ctx context.Context, conn transports.Connection) (*Coordinator, bool, error) {
	if conn == nil || conn.ChannelID() == "" {
		return nil, false, errors.New("voice connection required")
	}
	key := conn.ChannelID()
	if v, ok := r.sessions.Load(key); ok {
		return v.(*Coordinator), false, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	if v, ok := r.sessions.Load(key); ok {
		return v.(*Coordinator), false, nil
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}

	coord, err := r.factory(ctx, conn)
	if err != nil {
		return nil, false, err
	}
	r.sessions.Store(key, coord)
	r.count.Add(1)
	coord.OnClosed(func(c *Coordinator) { r.forget(key, c) })
	if err := coord.Start(ctx); err != nil {
		return nil, false, err
	}
	return coord, true, nil
}

func (r *Registry) Get(channelID string) (*Coordinator, bool) {
	if v, ok := r.sessions.Load(channelID); ok {
		return v.(*Coordinator), true
	}
	return nil, false
}

// Remove closes the channel's session, keeping the voice connection.
func (r *Registry) Remove(channelID string) bool {
	coord, ok := r.Get(channelID)
	if !ok {
		return false
	}
	_ = coord.Close()
	return true
}

// Leave closes the channel's session and disconnects from voice.
func (r *Registry) Leave(channelID string) (bool, error) {
	coord, ok := r.Get(channelID)
	if !ok {
		return false, nil
	}
	return true, coord.Leave()
}

func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if coord, ok := value.(*Coordinator); ok {
			_ = coord.Close()
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *Registry) forget(channelID string, coord *Coordinator) {
	if r.sessions.CompareAndDelete(channelID, coord) {
		r.count.Add(-1)
	}
}
