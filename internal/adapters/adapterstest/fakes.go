// Package adapterstest provides in-memory engine and resolver fakes for tests.
package adapterstest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
)

// Player is a scriptable engine player. Zero value loads, plays and pauses.
type Player struct {
	mu sync.Mutex

	LoadErr    error
	PlayErr    error
	Pausable   bool
	LoadBlock  chan struct{}
	AudioList  []domain.TrackDescriptor
	VideoList  []domain.TrackDescriptor
	AttachErr  error
	DisposeErr error

	loadedURL string
	playing   bool
	position  time.Duration
	target    domain.RenderTarget
	listener  adapters.StreamListener
	disposed  bool
	calls     []string
	seeks     []time.Duration
	active    map[domain.TrackKind]int
}

func (p *Player) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *Player) Load(ctx context.Context, mediaURL string) error {
	p.mu.Lock()
	block := p.LoadBlock
	p.record("load")
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LoadErr != nil {
		return p.LoadErr
	}
	p.loadedURL = mediaURL
	p.position = 0
	return nil
}

func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("play")
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.playing = true
	return nil
}

func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("pause")
	p.playing = false
	return nil
}

func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop")
	p.playing = false
	p.loadedURL = ""
	return nil
}

func (p *Player) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("dispose")
	p.disposed = true
	return p.DisposeErr
}

func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *Player) SetPosition(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("seek")
	p.seeks = append(p.seeks, pos)
	p.position = pos
	return nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) CanPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pausable
}

func (p *Player) Tracks(kind domain.TrackKind) []domain.TrackDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == domain.TrackAudio {
		return append([]domain.TrackDescriptor{}, p.AudioList...)
	}
	return append([]domain.TrackDescriptor{}, p.VideoList...)
}

func (p *Player) SetActiveTrack(kind domain.TrackKind, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("track")
	if p.active == nil {
		p.active = make(map[domain.TrackKind]int)
	}
	p.active[kind] = id
	return nil
}

func (p *Player) AttachRenderTarget(target domain.RenderTarget) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("attach:" + target.ID)
	if p.AttachErr != nil {
		return p.AttachErr
	}
	p.target = target
	return nil
}

func (p *Player) SetStreamListener(l adapters.StreamListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// SetPlayhead moves the engine clock without recording a seek.
func (p *Player) SetPlayhead(pos time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
}

// EmitAdded raises a stream-added notification from the engine side.
func (p *Player) EmitAdded(kind domain.TrackKind, id int) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnStreamAdded(kind, id)
	}
}

func (p *Player) EmitRemoved(kind domain.TrackKind, id int) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnStreamRemoved(kind, id)
	}
}

func (p *Player) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

func (p *Player) Seeks() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration{}, p.seeks...)
}

func (p *Player) LoadedURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadedURL
}

func (p *Player) Target() domain.RenderTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

func (p *Player) ActiveTrack(kind domain.TrackKind) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.active[kind]
	return id, ok
}

func (p *Player) HasListener() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

func (p *Player) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Factory hands out preconfigured players in order, then fresh ones.
type Factory struct {
	mu      sync.Mutex
	Queue   []*Player
	Err     error
	created []*Player
}

func (f *Factory) NewPlayer() (adapters.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var p *Player
	if len(f.Queue) > 0 {
		p = f.Queue[0]
		f.Queue = f.Queue[1:]
	} else {
		p = &Player{Pausable: true}
	}
	f.created = append(f.created, p)
	return p, nil
}

func (f *Factory) Created() []*Player {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Player{}, f.created...)
}

var ErrResolve = errors.New("resolver unavailable")

// Resolver maps channels to URLs. Unknown channels fail.
type Resolver struct {
	mu    sync.Mutex
	URLs  map[string]string
	Err   error
	Block chan struct{}
	calls int
}

func (r *Resolver) ResolvePlaybackURL(ctx context.Context, token, channel string) (string, error) {
	r.mu.Lock()
	r.calls++
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	u, ok := r.URLs[channel]
	if !ok {
		return "", ErrResolve
	}
	return u, nil
}

func (r *Resolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var (
	_ adapters.Player        = (*Player)(nil)
	_ adapters.PlayerFactory = (*Factory)(nil)
	_ adapters.URLResolver   = (*Resolver)(nil)
)
