package go2tv

import (
	"context"

	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/syncview/internal/adapters"
)

// Bundle wires all external go2tv-backed adapters in one place.
type Bundle struct {
	Discovery    adapters.Discovery
	CastFactory  adapters.CastFactory
	MirrorEngine adapters.PlayerFactory
}

func NewBundle(logger zerolog.Logger) Bundle {
	castFactory := CastFactory{Logger: logger}
	return Bundle{
		Discovery:    DiscoveryAdapter{},
		CastFactory:  castFactory,
		MirrorEngine: &MirrorFactory{Casts: castFactory, Logger: logger},
	}
}

type DiscoveryAdapter struct{}

func (DiscoveryAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	devices.StartChromecastDiscoveryLoop(ctx)
}

func (DiscoveryAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	return devices.LoadAllDevices(delaySeconds)
}

type CastFactory struct {
	Logger zerolog.Logger
}

func (f CastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	client, err := castprotocol.NewCastClient(deviceAddr)
	if err != nil {
		return nil, err
	}
	client.Logger = f.Logger.With().Str("component", "castprotocol").Logger()

	return &CastClientAdapter{client: client}, nil
}

type CastClientAdapter struct {
	client *castprotocol.CastClient
}

func (c *CastClientAdapter) Connect() error {
	return c.client.Connect()
}

func (c *CastClientAdapter) Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error {
	return c.client.Load(mediaURL, contentType, startTime, duration, subtitleURL, live)
}

func (c *CastClientAdapter) Play() error {
	return c.client.Play()
}

func (c *CastClientAdapter) Pause() error {
	return c.client.Pause()
}

func (c *CastClientAdapter) Seek(seconds int) error {
	return c.client.Seek(seconds)
}

func (c *CastClientAdapter) Stop() error {
	return c.client.Stop()
}

func (c *CastClientAdapter) GetStatus() (*castprotocol.CastStatus, error) {
	return c.client.GetStatus()
}

func (c *CastClientAdapter) Close(stopMedia bool) error {
	return c.client.Close(stopMedia)
}

var (
	_ adapters.Discovery     = DiscoveryAdapter{}
	_ adapters.CastFactory   = CastFactory{}
	_ adapters.PlayerFactory = (*MirrorFactory)(nil)
)
