// Package cast mirrors a session onto one render target through a lazily
// created secondary playback handle.
package cast

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/playback"
)

// ErrStale marks a cast attempt overtaken by a newer cast or by Close.
var ErrStale = errors.New("cast attempt superseded")

type Options struct {
	Factory  adapters.PlayerFactory
	Resolver adapters.URLResolver
	Token    string
	Channel  string
	Retry    RetryPolicy
	Logger   zerolog.Logger
}

// Coordinator owns the secondary handle. Prepare and Complete mutate it and
// must run on the owner's control context; Attempt.Run may run anywhere and
// makes every device call.
type Coordinator struct {
	factory  adapters.PlayerFactory
	resolver adapters.URLResolver
	token    string
	channel  string
	retry    RetryPolicy
	log      zerolog.Logger

	// retarget serialises the stop and attach of concurrent attempts.
	retarget sync.Mutex

	mu         sync.Mutex
	target     domain.RenderTarget
	secondary  *playback.Handle
	generation uint64
	casting    bool
	closed     bool
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		factory:  opts.Factory,
		resolver: opts.Resolver,
		token:    opts.Token,
		channel:  opts.Channel,
		retry:    opts.Retry,
		log:      opts.Logger.With().Str("component", "cast").Logger(),
	}
}

// SetTarget records the target for the next cast. It does not start casting.
func (c *Coordinator) SetTarget(target domain.RenderTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

func (c *Coordinator) Target() (domain.RenderTarget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, !c.target.IsZero()
}

// CanCast reports whether casting is actionable.
func (c *Coordinator) CanCast() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.target.IsZero()
}

func (c *Coordinator) Casting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.casting
}

// Secondary returns the mirror handle, or nil before the first cast.
func (c *Coordinator) Secondary() *playback.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secondary
}

// Attempt is one in-flight cast.
type Attempt struct {
	generation uint64
	target     domain.RenderTarget
	handle     *playback.Handle
	c          *Coordinator
}

func (a *Attempt) Target() domain.RenderTarget { return a.target }

// Prepare validates the selection and creates the secondary handle on first
// use. It makes no device calls.
func (c *Coordinator) Prepare() (*Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, domain.ErrSessionClosed
	}
	if c.target.IsZero() {
		return nil, errors.Wrap(domain.ErrPrecondition, "no render target selected")
	}

	if c.secondary == nil {
		player, err := c.factory.NewPlayer()
		if err != nil {
			return nil, errors.Wrap(err, "create mirror player")
		}
		c.secondary = playback.New(player)
	}

	c.generation++
	c.casting = false
	return &Attempt{generation: c.generation, target: c.target, handle: c.secondary, c: c}, nil
}

// Run stops any running mirror, attaches the target, then resolves a fresh URL
// and loads it on the mirror. It blocks on the network.
func (a *Attempt) Run(ctx context.Context) error {
	c := a.c
	if err := a.retargetMirror(); err != nil {
		return err
	}

	mediaURL, err := c.resolver.ResolvePlaybackURL(ctx, c.token, c.channel)
	if err != nil {
		if errors.Is(err, domain.ErrResolution) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrResolution, err)
	}
	if a.stale() {
		return ErrStale
	}

	err = c.withRetry(ctx, "mirror_load", func() error {
		return a.handle.Load(ctx, mediaURL)
	})
	if errors.Is(err, playback.ErrSuperseded) || errors.Is(err, playback.ErrDisposed) {
		return ErrStale
	}
	if err != nil {
		return err
	}
	return a.handle.Play()
}

func (a *Attempt) retargetMirror() error {
	a.c.retarget.Lock()
	defer a.c.retarget.Unlock()
	if a.stale() {
		return ErrStale
	}
	if err := a.handle.Stop(); err != nil {
		if errors.Is(err, playback.ErrDisposed) {
			return ErrStale
		}
		a.c.log.Warn().Err(err).Msg("stopping previous mirror failed")
	}
	err := a.handle.AttachRenderTarget(a.target)
	if errors.Is(err, playback.ErrDisposed) {
		return ErrStale
	}
	return err
}

func (a *Attempt) stale() bool {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.c.closed || a.c.generation != a.generation
}

// Complete applies the outcome of Run. Stale attempts are discarded and
// return ErrStale. On success the mirror is aligned to primary when primary
// is playing.
func (c *Coordinator) Complete(a *Attempt, runErr error, primary *playback.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || a.generation != c.generation || errors.Is(runErr, ErrStale) {
		c.log.Debug().Str("target", a.target.Name).Msg("discarding stale cast result")
		return ErrStale
	}
	if runErr != nil {
		c.casting = false
		return runErr
	}

	if primary != nil && primary.IsPlaying() {
		pos := primary.Position()
		if err := a.handle.SetPosition(pos); err != nil {
			c.log.Warn().Err(err).Dur("position", pos).Msg("aligning mirror failed")
		}
	}
	c.casting = true
	c.log.Info().Str("target", a.target.Name).Msg("casting")
	return nil
}

// Close invalidates in-flight casts and releases the secondary handle.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	c.casting = false
	secondary := c.secondary
	c.mu.Unlock()

	if secondary == nil {
		return nil
	}
	return secondary.Dispose()
}
