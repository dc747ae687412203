// Package gstreamer implements the local playback engine on a GStreamer
// playbin element.
package gstreamer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
)

const (
	busPollInterval = 50 * time.Millisecond
	rankEnv         = "GST_PLUGIN_FEATURE_RANK"
)

var initOnce sync.Once

// Factory creates playbin-backed players. HWDecode is applied once, before
// GStreamer initialises. PrerollTimeout bounds how long Load waits for the
// pipeline to preroll; zero means 20s.
type Factory struct {
	HWDecode       bool
	PrerollTimeout time.Duration
	Logger         zerolog.Logger
}

func (f *Factory) NewPlayer() (adapters.Player, error) {
	initOnce.Do(func() {
		_ = os.Setenv(rankEnv, rankSpec(os.Getenv(rankEnv), f.HWDecode))
		gst.Init(nil)
	})

	playbin, err := gst.NewElement("playbin")
	if err != nil {
		return nil, errors.Wrap(err, "create playbin")
	}

	prerollTimeout := f.PrerollTimeout
	if prerollTimeout <= 0 {
		prerollTimeout = defaultPrerollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		playbin:        playbin,
		log:            f.Logger.With().Str("component", "gstreamer").Logger(),
		stopBus:        cancel,
		busDone:        make(chan struct{}),
		prerollTimeout: prerollTimeout,
		pausable:       true,
	}
	playbin.Connect("audio-changed", func(*gst.Element) { p.streamsChanged(domain.TrackAudio) })
	playbin.Connect("video-changed", func(*gst.Element) { p.streamsChanged(domain.TrackVideo) })
	go p.watchBus(ctx)
	return p, nil
}

// Player wraps one playbin. Signal callbacks and the bus watcher run on
// GStreamer threads; all shared state is guarded by mu.
type Player struct {
	playbin        *gst.Element
	log            zerolog.Logger
	stopBus        context.CancelFunc
	busDone        chan struct{}
	preroll        prerollGate
	prerollTimeout time.Duration

	mu        sync.Mutex
	listener  adapters.StreamListener
	counts    [2]int
	loaded    bool
	playing   bool
	buffering bool
	pausable  bool
	disposed  bool
}

func (p *Player) Load(ctx context.Context, mediaURL string) error {
	if err := p.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.playbin.SetState(gst.StateNull); err != nil {
		return errors.Wrap(err, "reset pipeline")
	}
	if err := p.playbin.SetProperty("uri", mediaURL); err != nil {
		return errors.Wrap(err, "set uri")
	}

	// Decoder and network failures surface on the bus after SetState returns.
	outcome := p.preroll.arm()
	defer p.preroll.disarm(outcome)
	if err := p.playbin.SetState(gst.StatePaused); err != nil {
		return errors.Wrap(err, "preroll pipeline")
	}
	if err := awaitPreroll(ctx, outcome, p.prerollTimeout); err != nil {
		_ = p.playbin.SetState(gst.StateNull)
		return errors.Wrap(err, "preroll pipeline")
	}

	p.mu.Lock()
	p.loaded = true
	p.playing = false
	p.buffering = false
	p.pausable = true
	p.mu.Unlock()
	p.log.Debug().Msg("uri loaded")
	return nil
}

func (p *Player) Play() error {
	if err := p.usable(); err != nil {
		return err
	}
	if err := p.playbin.SetState(gst.StatePlaying); err != nil {
		return errors.Wrap(err, "start playback")
	}
	p.setPlaying(true)
	return nil
}

func (p *Player) Pause() error {
	if err := p.usable(); err != nil {
		return err
	}
	if err := p.playbin.SetState(gst.StatePaused); err != nil {
		return errors.Wrap(err, "pause playback")
	}
	p.setPlaying(false)
	return nil
}

func (p *Player) Stop() error {
	if err := p.usable(); err != nil {
		return err
	}
	p.preroll.settle(errors.New("stopped while prerolling"))
	err := p.playbin.SetState(gst.StateNull)

	p.mu.Lock()
	p.loaded = false
	p.playing = false
	p.buffering = false
	p.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "stop playback")
	}
	return nil
}

func (p *Player) Dispose() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	p.listener = nil
	p.loaded = false
	p.playing = false
	p.mu.Unlock()

	p.preroll.settle(errors.New("disposed while prerolling"))
	p.stopBus()
	<-p.busDone
	if err := p.playbin.SetState(gst.StateNull); err != nil {
		return errors.Wrap(err, "release pipeline")
	}
	return nil
}

func (p *Player) Position() time.Duration {
	if !p.isLoaded() {
		return 0
	}
	ok, ns := p.playbin.QueryPosition(gst.FormatTime)
	if !ok || ns < 0 {
		return 0
	}
	return time.Duration(ns)
}

func (p *Player) SetPosition(pos time.Duration) error {
	if err := p.usable(); err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	if !p.playbin.SeekSimple(int64(pos), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		return errors.Errorf("seek to %s rejected", pos)
	}
	return nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && p.playing && !p.buffering
}

func (p *Player) CanPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && p.pausable && !p.buffering
}

func (p *Player) Tracks(kind domain.TrackKind) []domain.TrackDescriptor {
	return describeStreams(kind, p.streamCount(kind))
}

func (p *Player) SetActiveTrack(kind domain.TrackKind, id int) error {
	if err := p.usable(); err != nil {
		return err
	}
	if id < 0 || id >= p.streamCount(kind) {
		return errors.Wrapf(domain.ErrPrecondition, "%s stream %d not present", kind, id)
	}
	prop := "current-audio"
	if kind == domain.TrackVideo {
		prop = "current-video"
	}
	if err := p.playbin.SetProperty(prop, id); err != nil {
		return errors.Wrapf(err, "select %s stream %d", kind, id)
	}
	return nil
}

// AttachRenderTarget is not supported: playbin renders through its own sink.
func (p *Player) AttachRenderTarget(target domain.RenderTarget) error {
	return errors.Wrapf(domain.ErrPrecondition, "local engine cannot render to %s", target.Name)
}

func (p *Player) SetStreamListener(l adapters.StreamListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed && l != nil {
		return
	}
	p.listener = l
}

func (p *Player) streamCount(kind domain.TrackKind) int {
	prop := "n-audio"
	if kind == domain.TrackVideo {
		prop = "n-video"
	}
	v, err := p.playbin.GetProperty(prop)
	if err != nil {
		return 0
	}
	return propertyInt(v)
}

func (p *Player) streamsChanged(kind domain.TrackKind) {
	next := p.streamCount(kind)

	p.mu.Lock()
	prev := p.counts[kind]
	p.counts[kind] = next
	listener := p.listener
	p.mu.Unlock()

	added, removed := diffStreams(prev, next)
	if listener == nil {
		return
	}
	for _, id := range removed {
		listener.OnStreamRemoved(kind, id)
	}
	for _, id := range added {
		listener.OnStreamAdded(kind, id)
	}
}

func (p *Player) watchBus(ctx context.Context) {
	defer close(p.busDone)
	bus := p.playbin.GetBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageBuffering:
			percent := msg.ParseBuffering()
			p.mu.Lock()
			p.buffering = percent < 100
			p.mu.Unlock()
		case gst.MessageEOS:
			p.log.Info().Msg("end of stream")
			p.setPlaying(false)
		case gst.MessageStateChanged:
			if msg.Source() != p.playbin.GetName() {
				continue
			}
			// Only the upward transition; PLAYING->PAUSED from a reset is not a preroll.
			if prev, next := msg.ParseStateChanged(); prev == gst.StateReady && next == gst.StatePaused {
				p.preroll.settle(nil)
			}
		case gst.MessageError:
			gerr := msg.ParseError()
			p.log.Error().Str("error", gerr.Error()).Str("debug", gerr.DebugString()).Msg("pipeline error")
			p.preroll.settle(errors.New(gerr.Error()))
			p.mu.Lock()
			p.playing = false
			p.pausable = false
			p.mu.Unlock()
		}
	}
}

func (p *Player) usable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return errors.New("player disposed")
	}
	return nil
}

func (p *Player) isLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && !p.disposed
}

func (p *Player) setPlaying(v bool) {
	p.mu.Lock()
	p.playing = v
	p.mu.Unlock()
}

var (
	_ adapters.Player        = (*Player)(nil)
	_ adapters.PlayerFactory = (*Factory)(nil)
)
