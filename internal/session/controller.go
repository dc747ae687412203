// Package session runs playback sessions: one primary player, its track
// registry, a cast mirror, render-target discovery and sync participation,
// all owned by a per-session control loop.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/cast"
	"go2tv.app/syncview/internal/discovery"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/metrics"
	"go2tv.app/syncview/internal/playback"
	"go2tv.app/syncview/internal/syncbus"
	"go2tv.app/syncview/internal/tracks"
)

type Options struct {
	SessionID string
	Request   domain.OpenRequest
	Resolver  adapters.URLResolver
	Engine    adapters.PlayerFactory
	Mirror    adapters.PlayerFactory
	Discovery *discovery.Service
	Bus       *syncbus.Bus
	CastRetry cast.RetryPolicy
	Observer  func(domain.SessionEvent)
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Controller drives one playback session. Every field below loop is owned by
// the loop goroutine; public methods reach it through loop.Do.
type Controller struct {
	id       string
	req      domain.OpenRequest
	resolver adapters.URLResolver
	engine   adapters.PlayerFactory
	bus      *syncbus.Bus
	metrics  *metrics.Metrics
	log      zerolog.Logger
	loop     *loop

	registry *tracks.Registry
	caster   *cast.Coordinator
	watcher  *discovery.Watcher
	primary  *playback.Handle
	targets  []domain.RenderTarget
	sub      *syncbus.Subscription
	observer func(domain.SessionEvent)
	opening  bool
	opened   bool
	closed   bool
}

func NewController(opts Options) *Controller {
	log := opts.Logger.With().Str("session", opts.SessionID).Logger()
	bus := opts.Bus
	if bus == nil {
		bus = syncbus.Default()
	}

	c := &Controller{
		id:       opts.SessionID,
		req:      opts.Request,
		resolver: opts.Resolver,
		engine:   opts.Engine,
		bus:      bus,
		metrics:  opts.Metrics,
		log:      log,
		loop:     newLoop(),
		registry: tracks.NewRegistry(),
		observer: opts.Observer,
		caster: cast.New(cast.Options{
			Factory:  opts.Mirror,
			Resolver: opts.Resolver,
			Token:    opts.Request.Token,
			Channel:  opts.Request.Channel,
			Retry:    opts.CastRetry,
			Logger:   log,
		}),
	}
	if opts.Discovery != nil {
		c.watcher = opts.Discovery.NewWatcher()
	}
	c.registry.SetObserver(c.onRegistryChange)
	return c
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) Channel() string { return c.req.Channel }

// Open resolves the playback URL, then loads and plays it on a new primary
// handle. Resolution and the engine load run off the control loop. A
// resolution failure leaves nothing behind. A load failure keeps the session
// open but unplaying and unsubscribed; discovery runs in both cases.
func (c *Controller) Open(ctx context.Context) error {
	var err error
	if doErr := c.loop.Do(ctx, func() { err = c.beginOpen() }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	mediaURL, resolveErr := c.resolver.ResolvePlaybackURL(ctx, c.req.Token, c.req.Channel)
	if resolveErr != nil {
		if !errors.Is(resolveErr, domain.ErrResolution) {
			resolveErr = fmt.Errorf("%w: %w", domain.ErrResolution, resolveErr)
		}
		c.metrics.IncOpenFailure("resolution")
		c.loop.Post(func() { c.opening = false })
		return resolveErr
	}

	var primary *playback.Handle
	if doErr := c.loop.Do(ctx, func() { primary, err = c.startPrimary() }); doErr != nil {
		c.loop.Post(func() { c.opening = false })
		return doErr
	}
	if errors.Is(err, domain.ErrSessionClosed) {
		return err
	}

	openErr := err
	if primary != nil {
		openErr = playPrimary(ctx, primary, mediaURL)
	}

	// The outcome is recorded even when ctx is already done.
	if doErr := c.loop.Do(context.WithoutCancel(ctx), func() { err = c.finishOpen(openErr) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) beginOpen() error {
	switch {
	case c.closed:
		return domain.ErrSessionClosed
	case c.opening || c.opened:
		return errors.Wrap(domain.ErrPrecondition, "session already opened")
	}
	c.opening = true
	return nil
}

// startPrimary creates the primary handle. A nil handle with an ErrLoad error
// still counts as opened.
func (c *Controller) startPrimary() (*playback.Handle, error) {
	c.opening = false
	if c.closed {
		c.log.Debug().Msg("discarding resolved url after close")
		return nil, domain.ErrSessionClosed
	}
	c.opened = true
	c.metrics.IncSessionsOpened()

	player, err := c.engine.NewPlayer()
	if err != nil {
		return nil, fmt.Errorf("%w: create player: %w", domain.ErrLoad, err)
	}
	c.primary = playback.New(player)
	c.primary.SetStreamListener(streamListener{c: c})
	return c.primary, nil
}

func playPrimary(ctx context.Context, h *playback.Handle, mediaURL string) error {
	if err := h.Load(ctx, mediaURL); err != nil {
		return err
	}
	return h.Play()
}

func (c *Controller) finishOpen(openErr error) error {
	if c.closed {
		c.log.Debug().Err(openErr).Msg("discarding load result after close")
		return domain.ErrSessionClosed
	}

	if openErr == nil {
		c.sub = c.bus.Subscribe(c.OnSyncReceived)
		c.log.Info().Str("channel", c.req.Channel).Msg("session playing")
	} else {
		c.metrics.IncOpenFailure("load")
		c.log.Warn().Err(openErr).Str("channel", c.req.Channel).Msg("session open without playback")
	}

	if c.watcher != nil {
		if err := c.watcher.Start(c.onTargetDiscovered); err != nil {
			c.log.Warn().Err(err).Msg("render target discovery not started")
		}
	}
	return openErr
}

// Close releases everything the session holds. Each step runs even if an
// earlier one fails. Calling Close again is a no-op. The loop is stopped even
// when ctx ends first; queued teardown still runs before it exits.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	doErr := c.loop.Do(ctx, func() { err = c.teardown() })
	if errors.Is(doErr, domain.ErrSessionClosed) {
		return nil
	}
	c.loop.stop()
	if doErr != nil {
		return doErr
	}
	if waitErr := c.loop.wait(ctx); waitErr != nil {
		return waitErr
	}
	return err
}

func (c *Controller) teardown() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []string
	if c.sub != nil {
		c.bus.Unsubscribe(c.sub)
		c.sub = nil
	}
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.primary != nil {
		c.primary.SetStreamListener(nil)
		if err := c.primary.Dispose(); err != nil {
			errs = append(errs, fmt.Sprintf("primary: %v", err))
		}
	}
	if err := c.caster.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("secondary: %v", err))
	}
	c.registry.Clear()
	c.targets = nil

	c.log.Info().Msg("session closed")
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Pause toggles pause on the primary when the engine allows it.
func (c *Controller) Pause(ctx context.Context) error {
	var err error
	if doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = domain.ErrSessionClosed
			return
		}
		if c.primary == nil {
			return
		}
		_, err = c.primary.TogglePause()
	}); doErr != nil {
		return doErr
	}
	return err
}

// RequestSync publishes the primary position to every other session.
func (c *Controller) RequestSync(ctx context.Context) error {
	var err error
	if doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = domain.ErrSessionClosed
			return
		}
		if c.primary == nil {
			err = errors.Wrap(domain.ErrPrecondition, "no media opened")
			return
		}
		msg := syncbus.Message{Position: c.primary.Position(), Source: c.sub.ID()}
		c.bus.Publish(msg)
		c.metrics.IncSyncPublished()
		c.log.Debug().Dur("position", msg.Position).Msg("sync published")
	}); doErr != nil {
		return doErr
	}
	return err
}

// OnSyncReceived is the bus handler. It only queues the work.
func (c *Controller) OnSyncReceived(msg syncbus.Message) {
	c.loop.Post(func() { c.applySync(msg) })
}

// applySync seeks handles that are playing. Paused or stopped handles are left
// alone so a user pause is never overridden.
func (c *Controller) applySync(msg syncbus.Message) {
	if c.closed {
		return
	}
	applied := false
	if c.primary != nil && c.primary.IsPlaying() {
		if err := c.primary.SetPosition(msg.Position); err != nil {
			c.log.Debug().Err(err).Msg("sync seek on primary failed")
		} else {
			applied = true
			c.metrics.IncSyncApplied("primary")
		}
	}
	if secondary := c.caster.Secondary(); secondary != nil && secondary.IsPlaying() {
		if err := secondary.SetPosition(msg.Position); err != nil {
			c.log.Debug().Err(err).Msg("sync seek on mirror failed")
		} else {
			applied = true
			c.metrics.IncSyncApplied("secondary")
		}
	}
	if applied {
		c.emit(domain.SessionEvent{Type: domain.EventSyncApplied, Position: msg.Position})
	}
}

func (c *Controller) SelectAudioTrack(ctx context.Context, id int) error {
	return c.selectTrack(ctx, domain.TrackAudio, id)
}

func (c *Controller) SelectVideoTrack(ctx context.Context, id int) error {
	return c.selectTrack(ctx, domain.TrackVideo, id)
}

func (c *Controller) selectTrack(ctx context.Context, kind domain.TrackKind, id int) error {
	var err error
	if doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = domain.ErrSessionClosed
			return
		}
		if c.primary == nil || !c.registry.Contains(kind, id) {
			err = errors.Wrapf(domain.ErrPrecondition, "%s track %d is not available", kind, id)
			return
		}
		err = c.primary.SetActiveTrack(kind, id)
	}); doErr != nil {
		return doErr
	}
	return err
}

// SelectRenderTarget picks a discovered target for the next cast.
func (c *Controller) SelectRenderTarget(ctx context.Context, targetID string) error {
	var err error
	if doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = domain.ErrSessionClosed
			return
		}
		for _, t := range c.targets {
			if t.ID == targetID {
				c.caster.SetTarget(t)
				return
			}
		}
		err = errors.Wrapf(domain.ErrNotFound, "render target %q", targetID)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Cast mirrors the session to the selected target. URL resolution and the
// device load run off the control loop; a result that arrives after Close or
// after a newer Cast is dropped.
func (c *Controller) Cast(ctx context.Context) error {
	var (
		attempt *cast.Attempt
		err     error
	)
	if doErr := c.loop.Do(ctx, func() {
		if c.closed {
			err = domain.ErrSessionClosed
			return
		}
		attempt, err = c.caster.Prepare()
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	runErr := attempt.Run(ctx)

	var stale bool
	if doErr := c.loop.Do(ctx, func() {
		err = c.caster.Complete(attempt, runErr, c.primary)
		stale = errors.Is(err, cast.ErrStale)
		if stale && c.closed {
			err = domain.ErrSessionClosed
		}
	}); doErr != nil {
		return doErr
	}
	if stale && !errors.Is(err, domain.ErrSessionClosed) {
		c.log.Debug().Msg("cast superseded by a newer request")
		return nil
	}
	c.metrics.IncCast(err == nil)
	if err != nil {
		return err
	}

	target := attempt.Target()
	c.loop.Post(func() {
		c.emit(domain.SessionEvent{Type: domain.EventCastStarted, Target: &target})
	})
	return nil
}

// Snapshot copies the observable session state.
func (c *Controller) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	var snap domain.SessionSnapshot
	doErr := c.loop.Do(ctx, func() { snap = c.snapshot() })
	if errors.Is(doErr, domain.ErrSessionClosed) {
		return domain.SessionSnapshot{SessionID: c.id, Channel: c.req.Channel, Closed: true}, nil
	}
	return snap, doErr
}

func (c *Controller) snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		SessionID:      c.id,
		Channel:        c.req.Channel,
		AudioTracks:    c.registry.Audio(),
		VideoTracks:    c.registry.Video(),
		RenderTargets:  append([]domain.RenderTarget{}, c.targets...),
		CanCast:        c.caster.CanCast(),
		Casting:        c.caster.Casting(),
		SyncSubscribed: c.sub != nil,
		Closed:         c.closed,
	}
	if target, ok := c.caster.Target(); ok {
		snap.SelectedTarget = &target
	}
	if c.primary != nil {
		snap.Playing = c.primary.IsPlaying()
		snap.CanPause = c.primary.CanPause()
		snap.Position = c.primary.Position()
	}
	return snap
}

func (c *Controller) onTargetDiscovered(target domain.RenderTarget) {
	c.loop.Post(func() {
		if c.closed || !target.CanRenderVideo {
			return
		}
		for _, known := range c.targets {
			if known.ID == target.ID {
				return
			}
		}
		c.targets = append(c.targets, target)
		c.metrics.IncTargetsFound()
		c.emit(domain.SessionEvent{Type: domain.EventTargetFound, Target: &target})
	})
}

func (c *Controller) onStreamAdded(kind domain.TrackKind, id int) {
	if c.closed || c.primary == nil {
		return
	}
	c.registry.OnStreamAdded(kind, id, c.primary.Tracks)
}

func (c *Controller) onStreamRemoved(kind domain.TrackKind, id int) {
	if c.closed {
		return
	}
	if err := c.registry.OnStreamRemoved(kind, id); err != nil {
		c.log.Debug().Err(err).Msg("ignoring stream removal")
	}
}

func (c *Controller) onRegistryChange(change tracks.ChangeType, track domain.TrackDescriptor) {
	evt := domain.SessionEvent{Type: domain.EventTrackAdded, Track: &track}
	label := "added"
	if change == tracks.Removed {
		evt.Type = domain.EventTrackRemoved
		label = "removed"
	}
	c.metrics.IncTrackEvent(track.Kind.String(), label)
	c.emit(evt)
}

func (c *Controller) emit(evt domain.SessionEvent) {
	if c.observer == nil {
		return
	}
	evt.SessionID = c.id
	c.observer(evt)
}

// streamListener moves engine notifications onto the control loop.
type streamListener struct {
	c *Controller
}

func (l streamListener) OnStreamAdded(kind domain.TrackKind, id int) {
	l.c.loop.Post(func() { l.c.onStreamAdded(kind, id) })
}

func (l streamListener) OnStreamRemoved(kind domain.TrackKind, id int) {
	l.c.loop.Post(func() { l.c.onStreamRemoved(kind, id) })
}
