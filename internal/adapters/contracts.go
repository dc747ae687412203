package adapters

import (
	"context"
	"time"

	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/syncview/internal/domain"
)

// URLResolver turns an access token and channel reference into a playable URL.
type URLResolver interface {
	ResolvePlaybackURL(ctx context.Context, token, channel string) (string, error)
}

// StreamListener receives elementary stream notifications from an engine.
// Calls arrive on engine goroutines.
type StreamListener interface {
	OnStreamAdded(kind domain.TrackKind, id int)
	OnStreamRemoved(kind domain.TrackKind, id int)
}

// Player is one instance of the underlying playback engine.
type Player interface {
	Load(ctx context.Context, mediaURL string) error
	Play() error
	Pause() error
	Stop() error
	Dispose() error

	Position() time.Duration
	SetPosition(pos time.Duration) error
	IsPlaying() bool
	CanPause() bool

	Tracks(kind domain.TrackKind) []domain.TrackDescriptor
	SetActiveTrack(kind domain.TrackKind, id int) error
	AttachRenderTarget(target domain.RenderTarget) error

	// SetStreamListener replaces the listener; nil detaches it.
	SetStreamListener(l StreamListener)
}

// PlayerFactory creates engine players.
type PlayerFactory interface {
	NewPlayer() (Player, error)
}

// Discovery provides LAN hardware discovery primitives.
type Discovery interface {
	StartChromecastDiscoveryLoop(ctx context.Context)
	LoadAllDevices(delaySeconds int) ([]devices.Device, error)
}

// CastClient represents a controllable Chromecast session.
type CastClient interface {
	Connect() error
	Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error
	Play() error
	Pause() error
	Seek(seconds int) error
	Stop() error
	GetStatus() (*castprotocol.CastStatus, error)
	Close(stopMedia bool) error
}

// CastFactory creates CastClient instances.
type CastFactory interface {
	NewCastClient(deviceAddr string) (CastClient, error)
}
