package go2tv

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/utils"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
)

const (
	hlsContentType      = "application/vnd.apple.mpegurl"
	fallbackContentType = "video/mp4"
	defaultStatusPoll   = time.Second
)

// MirrorFactory creates players that mirror a stream onto a Chromecast device.
type MirrorFactory struct {
	Casts      adapters.CastFactory
	Logger     zerolog.Logger
	StatusPoll time.Duration
	Now        func() time.Time
}

func (f *MirrorFactory) NewPlayer() (adapters.Player, error) {
	if f.Casts == nil {
		return nil, errors.New("mirror factory has no cast factory")
	}
	poll := f.StatusPoll
	if poll <= 0 {
		poll = defaultStatusPoll
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}
	return &MirrorPlayer{
		casts: f.Casts,
		log:   f.Logger.With().Str("component", "mirror").Logger(),
		poll:  poll,
		now:   now,
	}, nil
}

// MirrorPlayer drives a remote Chromecast receiver through the Player contract.
// Position and play state come from a status cache refreshed in the background,
// so readers never block on the network.
type MirrorPlayer struct {
	casts adapters.CastFactory
	log   zerolog.Logger
	poll  time.Duration
	now   func() time.Time

	// opMu serializes commands that talk to the device.
	opMu sync.Mutex

	mu         sync.Mutex
	target     domain.RenderTarget
	client     adapters.CastClient
	loaded     bool
	disposed   bool
	state      string
	position   time.Duration
	observedAt time.Time
	stopPoll   context.CancelFunc
	pollDone   chan struct{}
}

func (p *MirrorPlayer) AttachRenderTarget(target domain.RenderTarget) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return errors.New("mirror player disposed")
	}
	old := p.client
	sameDevice := p.target.Address == target.Address
	p.target = target
	if !sameDevice {
		p.client = nil
		p.loaded = false
		p.state = ""
	}
	p.mu.Unlock()

	if !sameDevice && old != nil {
		p.haltPolling()
		if err := old.Close(true); err != nil {
			p.log.Debug().Err(err).Str("device", target.Name).Msg("closing previous cast client")
		}
	}
	return nil
}

func (p *MirrorPlayer) Load(ctx context.Context, mediaURL string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return errors.New("mirror player disposed")
	}
	target := p.target
	client := p.client
	p.mu.Unlock()

	if target.IsZero() {
		return errors.New("mirror player has no render target")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if client == nil {
		created, err := p.casts.NewCastClient(target.Address)
		if err != nil {
			return errors.Wrapf(err, "create cast client for %s", target.Name)
		}
		if err := created.Connect(); err != nil {
			return errors.Wrapf(err, "connect to %s", target.Name)
		}
		client = created
		p.mu.Lock()
		p.client = client
		p.mu.Unlock()
	}

	contentType := mediaContentType(mediaURL)
	p.log.Info().Str("device", target.Name).Str("content_type", contentType).Msg("loading stream on receiver")
	if err := client.Load(mediaURL, contentType, 0, 0, "", true); err != nil {
		return errors.Wrapf(err, "load media on %s", target.Name)
	}

	p.mu.Lock()
	p.loaded = true
	p.state = "BUFFERING"
	p.position = 0
	p.observedAt = p.now()
	p.mu.Unlock()

	p.startPolling(client)
	return nil
}

func (p *MirrorPlayer) Play() error {
	client, err := p.loadedClient()
	if err != nil {
		return err
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == "PLAYING" || state == "BUFFERING" {
		return nil
	}
	if err := client.Play(); err != nil {
		return errors.Wrap(err, "resume receiver")
	}
	p.setState("PLAYING")
	return nil
}

func (p *MirrorPlayer) Pause() error {
	client, err := p.loadedClient()
	if err != nil {
		return err
	}
	if err := client.Pause(); err != nil {
		return errors.Wrap(err, "pause receiver")
	}
	p.setState("PAUSED")
	return nil
}

func (p *MirrorPlayer) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	client := p.client
	loaded := p.loaded
	p.loaded = false
	p.state = "IDLE"
	p.mu.Unlock()

	p.haltPolling()
	if client == nil || !loaded {
		return nil
	}
	if err := client.Stop(); err != nil {
		return errors.Wrap(err, "stop receiver")
	}
	return nil
}

func (p *MirrorPlayer) Dispose() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	client := p.client
	p.client = nil
	p.loaded = false
	p.mu.Unlock()

	p.haltPolling()
	if client == nil {
		return nil
	}
	return client.Close(true)
}

// Position extrapolates from the last observed receiver status.
func (p *MirrorPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return 0
	}
	if p.state != "PLAYING" {
		return p.position
	}
	return p.position + p.now().Sub(p.observedAt)
}

func (p *MirrorPlayer) SetPosition(pos time.Duration) error {
	client, err := p.loadedClient()
	if err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	if err := client.Seek(int(pos / time.Second)); err != nil {
		return errors.Wrap(err, "seek receiver")
	}
	p.mu.Lock()
	p.position = pos
	p.observedAt = p.now()
	p.mu.Unlock()
	return nil
}

func (p *MirrorPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && p.state == "PLAYING"
}

func (p *MirrorPlayer) CanPause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded && (p.state == "PLAYING" || p.state == "PAUSED" || p.state == "BUFFERING")
}

// Tracks is always empty: the receiver picks its own renditions.
func (p *MirrorPlayer) Tracks(domain.TrackKind) []domain.TrackDescriptor {
	return nil
}

func (p *MirrorPlayer) SetActiveTrack(kind domain.TrackKind, id int) error {
	return errors.Wrapf(domain.ErrPrecondition, "receiver does not expose %s track %d", kind, id)
}

// SetStreamListener is accepted for contract parity; receivers report no streams.
func (p *MirrorPlayer) SetStreamListener(adapters.StreamListener) {}

func (p *MirrorPlayer) loadedClient() (adapters.CastClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, errors.New("mirror player disposed")
	}
	if p.client == nil || !p.loaded {
		return nil, errors.New("no media loaded on receiver")
	}
	return p.client, nil
}

func (p *MirrorPlayer) setState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "PLAYING" && state == "PLAYING" {
		p.observedAt = p.now()
	}
	if p.state == "PLAYING" && state != "PLAYING" {
		p.position += p.now().Sub(p.observedAt)
		p.observedAt = p.now()
	}
	p.state = state
}

func (p *MirrorPlayer) startPolling(client adapters.CastClient) {
	p.haltPolling()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.stopPoll = cancel
	p.pollDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			status, err := client.GetStatus()
			if err != nil {
				p.log.Debug().Err(err).Msg("receiver status poll failed")
				continue
			}
			p.mu.Lock()
			if p.client == client && p.loaded {
				p.state = status.PlayerState
				p.position = time.Duration(float64(status.CurrentTime) * float64(time.Second))
				p.observedAt = p.now()
			}
			p.mu.Unlock()
		}
	}()
}

func (p *MirrorPlayer) haltPolling() {
	p.mu.Lock()
	cancel := p.stopPoll
	done := p.pollDone
	p.stopPoll = nil
	p.pollDone = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func mediaContentType(mediaURL string) string {
	if utils.IsHLSStream(mediaURL, "") {
		return hlsContentType
	}
	ext := ""
	if u, err := url.Parse(strings.TrimSpace(mediaURL)); err == nil {
		ext = strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	}
	if ext == "" {
		// Tokenised viewing URLs are HLS playlists without an extension.
		return hlsContentType
	}
	if kind := filetype.GetType(ext); kind.MIME.Value != "" {
		return kind.MIME.Value
	}
	return fallbackContentType
}

var _ adapters.Player = (*MirrorPlayer)(nil)
