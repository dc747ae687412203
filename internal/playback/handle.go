// Package playback wraps one engine player behind the Idle, Loaded, Playing,
// Paused, Stopped state machine.
package playback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
)

type State int

const (
	Idle State = iota
	Loaded
	Playing
	Paused
	Stopped
	Disposed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrDisposed = errors.New("playback handle disposed")
	// ErrSuperseded is returned by Load when Stop or Dispose ran while it was in flight.
	ErrSuperseded = errors.New("load superseded")
)

// Handle owns one engine player. Engine calls are made outside the state lock
// so slow loads never block readers; Stop and Dispose invalidate loads that are
// still running.
type Handle struct {
	player adapters.Player

	mu      sync.Mutex
	state   State
	epoch   uint64
	loading bool
}

func New(player adapters.Player) *Handle {
	return &Handle{player: player}
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Load hands mediaURL to the engine. Engine refusal is wrapped in domain.ErrLoad.
func (h *Handle) Load(ctx context.Context, mediaURL string) error {
	h.mu.Lock()
	if h.state == Disposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	epoch := h.epoch
	h.loading = true
	h.mu.Unlock()

	err := h.player.Load(ctx, mediaURL)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.epoch == epoch {
		h.loading = false
	}
	if h.state == Disposed {
		return ErrDisposed
	}
	if h.epoch != epoch {
		return ErrSuperseded
	}
	if err != nil {
		h.state = Idle
		return fmt.Errorf("%w: %w", domain.ErrLoad, err)
	}
	h.state = Loaded
	return nil
}

func (h *Handle) Play() error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case Disposed:
		return ErrDisposed
	case Playing:
		return nil
	case Idle, Stopped:
		return errors.Wrapf(domain.ErrPrecondition, "play from %s", state)
	}

	if err := h.player.Play(); err != nil {
		return fmt.Errorf("%w: play: %w", domain.ErrLoad, err)
	}
	h.transition(state, Playing)
	return nil
}

// TogglePause flips between playing and paused when the engine allows pausing.
func (h *Handle) TogglePause() (State, error) {
	state := h.State()
	if state == Disposed {
		return state, ErrDisposed
	}
	if !h.player.CanPause() {
		return state, nil
	}
	switch state {
	case Playing:
		if err := h.player.Pause(); err != nil {
			return state, errors.Wrap(err, "pause")
		}
		h.transition(Playing, Paused)
		return Paused, nil
	case Paused:
		if err := h.player.Play(); err != nil {
			return state, errors.Wrap(err, "resume")
		}
		h.transition(Paused, Playing)
		return Playing, nil
	default:
		return state, nil
	}
}

// Stop halts playback and invalidates any load in flight. Stopping an idle
// handle is a no-op.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.state == Disposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	active := h.state != Idle && h.state != Stopped
	inFlight := h.loading
	h.epoch++
	h.loading = false
	if active {
		h.state = Stopped
	}
	h.mu.Unlock()

	if !active && !inFlight {
		return nil
	}
	return errors.Wrap(h.player.Stop(), "stop")
}

// Dispose stops the engine if needed and releases it. It is idempotent.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.state == Disposed {
		h.mu.Unlock()
		return nil
	}
	active := h.state != Idle && h.state != Stopped || h.loading
	h.state = Disposed
	h.epoch++
	h.loading = false
	h.mu.Unlock()

	h.player.SetStreamListener(nil)

	var errs []string
	if active {
		if err := h.player.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("stop: %v", err))
		}
	}
	if err := h.player.Dispose(); err != nil {
		errs = append(errs, fmt.Sprintf("dispose: %v", err))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (h *Handle) Position() time.Duration {
	if h.State() == Disposed {
		return 0
	}
	return h.player.Position()
}

func (h *Handle) SetPosition(pos time.Duration) error {
	switch h.State() {
	case Disposed:
		return ErrDisposed
	case Idle, Stopped:
		return errors.Wrap(domain.ErrPrecondition, "seek without loaded media")
	}
	return errors.Wrapf(h.player.SetPosition(pos), "seek to %s", pos)
}

// IsPlaying requires both the handle and the engine to agree.
func (h *Handle) IsPlaying() bool {
	return h.State() == Playing && h.player.IsPlaying()
}

func (h *Handle) CanPause() bool {
	state := h.State()
	return (state == Playing || state == Paused) && h.player.CanPause()
}

func (h *Handle) Tracks(kind domain.TrackKind) []domain.TrackDescriptor {
	if h.State() == Disposed {
		return nil
	}
	return h.player.Tracks(kind)
}

func (h *Handle) SetActiveTrack(kind domain.TrackKind, id int) error {
	if h.State() == Disposed {
		return ErrDisposed
	}
	return errors.Wrapf(h.player.SetActiveTrack(kind, id), "select %s track %d", kind, id)
}

func (h *Handle) AttachRenderTarget(target domain.RenderTarget) error {
	if h.State() == Disposed {
		return ErrDisposed
	}
	return errors.Wrapf(h.player.AttachRenderTarget(target), "attach %s", target.Name)
}

// SetStreamListener forwards engine stream notifications to l; nil detaches.
func (h *Handle) SetStreamListener(l adapters.StreamListener) {
	if h.State() == Disposed && l != nil {
		return
	}
	h.player.SetStreamListener(l)
}

func (h *Handle) transition(from, to State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == from {
		h.state = to
	}
}
